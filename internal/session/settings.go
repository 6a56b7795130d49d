package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/codexbridge/codexbridge/internal/store"
)

// SparkReturnTarget is the saved model+effort restored when spark is
// toggled off.
type SparkReturnTarget struct {
	Model  string `json:"model"`
	Effort string `json:"effort"`
}

// effortFor resolves the effective effort for a model from the
// persisted per-model map, falling back to the built-in default.
func (m *Manager) effortFor(ctx context.Context, model string) (string, error) {
	efforts, err := m.st.EffortByModel(ctx)
	if err != nil {
		return "", err
	}
	if e, ok := efforts[model]; ok && e != "" {
		return e, nil
	}
	return DefaultEffort(model), nil
}

// CurrentModel returns the session model (or the configured default)
// and its effective effort.
func (m *Manager) CurrentModel(ctx context.Context) (model, effort string, err error) {
	sess, err := m.st.Session(ctx, m.cfg.Phone)
	if err != nil {
		return "", "", err
	}
	model = sess.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}
	effort, err = m.effortFor(ctx, model)
	return model, effort, err
}

// SetModel validates the model id against the configured prefix,
// persists it, and returns the model's effective effort.
func (m *Manager) SetModel(ctx context.Context, model string) (string, error) {
	if !strings.HasPrefix(model, m.cfg.ModelPrefix) {
		return "", fmt.Errorf("model %q must start with %q", model, m.cfg.ModelPrefix)
	}
	if err := m.st.SetModel(ctx, m.cfg.Phone, model); err != nil {
		return "", err
	}
	return m.effortFor(ctx, model)
}

// SetModelWithEffort sets the model and persists its effort map entry.
func (m *Manager) SetModelWithEffort(ctx context.Context, model, effort string) error {
	if !IsValidEffort(effort) {
		return fmt.Errorf("effort %q must be one of %s", effort, strings.Join(ValidEfforts, ", "))
	}
	if _, err := m.SetModel(ctx, model); err != nil {
		return err
	}
	return m.st.SetEffortForModel(ctx, model, effort)
}

// SetEffortForCurrentModel updates the effort map entry for the
// session's current model only.
func (m *Manager) SetEffortForCurrentModel(ctx context.Context, effort string) (string, error) {
	if !IsValidEffort(effort) {
		return "", fmt.Errorf("effort %q must be one of %s", effort, strings.Join(ValidEfforts, ", "))
	}
	model, _, err := m.CurrentModel(ctx)
	if err != nil {
		return "", err
	}
	if err := m.st.SetEffortForModel(ctx, model, effort); err != nil {
		return "", err
	}
	return model, nil
}

// ToggleSparkModel switches the session to spark (remembering where it
// came from) or back to the remembered target.
func (m *Manager) ToggleSparkModel(ctx context.Context) (model, effort string, err error) {
	current, currentEffort, err := m.CurrentModel(ctx)
	if err != nil {
		return "", "", err
	}

	if current != ModelSpark {
		target := SparkReturnTarget{Model: current, Effort: currentEffort}
		if err := m.st.SetFlagJSON(ctx, store.FlagSparkReturnTarget, target); err != nil {
			return "", "", err
		}
		if err := m.st.SetModel(ctx, m.cfg.Phone, ModelSpark); err != nil {
			return "", "", err
		}
		effort, err = m.effortFor(ctx, ModelSpark)
		return ModelSpark, effort, err
	}

	var target SparkReturnTarget
	ok, err := m.st.ConsumeFlagJSON(ctx, store.FlagSparkReturnTarget, &target)
	if err != nil {
		return "", "", err
	}
	if !ok || target.Model == "" {
		target = SparkReturnTarget{Model: ModelStandard, Effort: DefaultEffort(ModelStandard)}
	}

	if err := m.st.SetModel(ctx, m.cfg.Phone, target.Model); err != nil {
		return "", "", err
	}
	if target.Effort != "" && IsValidEffort(target.Effort) {
		if err := m.st.SetEffortForModel(ctx, target.Model, target.Effort); err != nil {
			return "", "", err
		}
	}
	effort, err = m.effortFor(ctx, target.Model)
	return target.Model, effort, err
}
