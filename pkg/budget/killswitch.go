package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/ledger"
	"github.com/openclaw/gateway/pkg/models"
)

const killSwitchKey = "kill_switch"

// KillSwitch is the process-wide spend halt. State is persisted through the
// ledger so a restart does not silently re-enable spend. Toggles take effect
// on the next request; in-flight requests are not canceled.
type KillSwitch struct {
	mu    sync.RWMutex
	state models.KillState

	store *ledger.Store
	log   *slog.Logger
}

// NewKillSwitch loads persisted state from the store.
func NewKillSwitch(store *ledger.Store, log *slog.Logger) (*KillSwitch, error) {
	ks := &KillSwitch{store: store, log: log}

	raw, err := store.GetState(context.Background(), killSwitchKey)
	if errors.Is(err, ledger.ErrStateNotFound) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load kill switch: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &ks.state); err != nil {
		return nil, fmt.Errorf("decode kill switch state: %w", err)
	}
	return ks, nil
}

// Enable trips the switch and persists the change.
func (k *KillSwitch) Enable(ctx context.Context, actor, reason string) error {
	return k.set(ctx, models.KillState{
		Enabled:     true,
		Actor:       actor,
		Reason:      reason,
		ActivatedAt: time.Now().UTC(),
	})
}

// Disable releases the switch and persists the change.
func (k *KillSwitch) Disable(ctx context.Context, actor string) error {
	return k.set(ctx, models.KillState{Actor: actor})
}

func (k *KillSwitch) set(ctx context.Context, state models.KillState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode kill switch state: %w", err)
	}
	if err := k.store.SetState(ctx, killSwitchKey, string(raw)); err != nil {
		return err
	}

	k.mu.Lock()
	k.state = state
	k.mu.Unlock()

	if k.log != nil {
		k.log.Warn("kill switch toggled",
			"enabled", state.Enabled,
			"actor", state.Actor,
			"reason", state.Reason)
	}
	return nil
}

// State returns the current switch state.
func (k *KillSwitch) State() models.KillState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// Check returns a budget_exceeded error when the switch is engaged.
func (k *KillSwitch) Check() error {
	st := k.State()
	if !st.Enabled {
		return nil
	}
	reason := st.Reason
	if reason == "" {
		reason = "kill switch active"
	}
	return gwerr.New(gwerr.KindBudgetExceeded, "kill_switch", "%s", reason)
}
