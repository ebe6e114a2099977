// Package verification runs named verifications against the current values
// of the settings they reference.
//
// Plugin verifications are Go implementations of contracts.Verifier registered
// by name. Dynamic verifications are expr-lang programs compiled when the
// client registers and cached per client.
package verification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/figsettings/fig/internal/comparer"
	"github.com/figsettings/fig/internal/events"
	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/contracts"
	"github.com/figsettings/fig/pkg/models"
)

var tracer = otel.Tracer("github.com/figsettings/fig/internal/verification")

type programKey struct {
	client models.ClientKey
	name   string
	hash   uint64
}

// Runner executes verifications. It holds no per-client lock: runs only read
// setting values, and history appends are serialized by the store.
type Runner struct {
	store    store.Store
	cipher   *secrets.Cipher
	recorder *events.Recorder
	metrics  *metrics.Metrics
	client   *http.Client

	plugins  *xsync.Map[string, contracts.Verifier]
	programs *xsync.Map[programKey, *vm.Program]

	now func() time.Time
}

// NewRunner builds a runner with the built-in plugins registered. recorder
// and m may be nil.
func NewRunner(s store.Store, cipher *secrets.Cipher, recorder *events.Recorder, m *metrics.Metrics) *Runner {
	r := &Runner{
		store:    s,
		cipher:   cipher,
		recorder: recorder,
		metrics:  m,
		client:   &http.Client{Timeout: 10 * time.Second},
		plugins:  xsync.NewMap[string, contracts.Verifier](),
		programs: xsync.NewMap[programKey, *vm.Program](),
		now:      func() time.Time { return time.Now().UTC() },
	}
	r.RegisterPlugin(NewRest200OkVerifier(r.client))
	return r
}

// RegisterPlugin adds or replaces a plugin verifier.
func (r *Runner) RegisterPlugin(v contracts.Verifier) {
	r.plugins.Store(v.Name(), v)
	log.Info().Str("plugin", v.Name()).Msg("Registered verification plugin")
}

// HasPlugin reports whether a plugin with that name is registered.
func (r *Runner) HasPlugin(name string) bool {
	_, ok := r.plugins.Load(name)
	return ok
}

// Install caches programs compiled during registration.
func (r *Runner) Install(key models.ClientKey, defs []models.VerificationDefinition, programs map[string]*vm.Program) {
	for _, def := range defs {
		if p, ok := programs[def.Name]; ok {
			r.programs.Store(programKey{client: key, name: def.Name, hash: comparer.HashVerification(def)}, p)
		}
	}
}

// Forget drops cached programs for a client.
func (r *Runner) Forget(key models.ClientKey) {
	r.programs.Range(func(k programKey, _ *vm.Program) bool {
		if k.client == key {
			r.programs.Delete(k)
		}
		return true
	})
}

// Run executes one verification and appends the result to its history.
// Execution failures are reported in the result; the returned error covers
// unknown clients or verifications and unreadable setting records.
func (r *Runner) Run(ctx context.Context, key models.ClientKey, verificationName, user string) (*models.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "verification.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("fig.client", key.Name),
		attribute.String("fig.instance", key.Instance),
		attribute.String("fig.verification", verificationName),
	)

	reg, err := r.store.GetClient(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	def := reg.Verification(verificationName)
	if def == nil {
		return nil, &store.ErrNotFound{Entity: "verification", Key: key.String() + "/" + verificationName}
	}

	values, unset, err := r.resolve(reg, def.SettingNames)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	var outcome models.VerificationOutcome
	if len(unset) > 0 {
		outcome = unsetOutcome(unset)
	} else {
		outcome = r.execute(ctx, key, *def, values)
	}
	elapsed := time.Since(start)

	result := &models.VerificationResult{
		ID:               uuid.New().String(),
		ClientName:       key.Name,
		Instance:         key.Instance,
		VerificationName: def.Name,
		Success:          outcome.Success,
		Message:          outcome.Message,
		Logs:             outcome.Logs,
		ExecutionTime:    elapsed,
		RequestingUser:   user,
		Timestamp:        r.now(),
	}
	span.SetAttributes(attribute.Bool("fig.success", result.Success))
	r.metrics.VerificationRun(string(def.Kind), result.Success, elapsed)

	if err := r.store.AppendVerificationResult(ctx, result); err != nil {
		return nil, fmt.Errorf("append verification result: %w", err)
	}

	if r.recorder != nil {
		_ = r.recorder.Record(ctx, models.AuditEvent{
			Type:         models.EventVerificationRun,
			ClientName:   key.Name,
			Instance:     key.Instance,
			Verification: def.Name,
			User:         user,
			Message:      result.Message,
			Metadata:     map[string]string{"success": fmt.Sprint(result.Success)},
		})
	}

	log.Info().
		Str("client", key.Name).
		Str("instance", key.Instance).
		Str("verification", def.Name).
		Bool("success", result.Success).
		Dur("elapsed", elapsed).
		Msg("Verification run")
	return result, nil
}

// resolve returns the values of exactly the named settings, plus the names
// that currently hold no value. Secrets are decrypted here and nowhere else.
func (r *Runner) resolve(reg *models.ClientRegistration, names []string) (map[string]models.Value, []string, error) {
	values := make(map[string]models.Value, len(names))
	var unset []string
	for _, name := range names {
		s := reg.Setting(name)
		if s == nil {
			return nil, nil, &store.RecordError{Client: reg.Key().String(), Setting: name, Err: errors.New("referenced setting does not exist")}
		}
		if s.IsSecret {
			if s.EncryptedValue == "" {
				unset = append(unset, name)
				continue
			}
			v, err := secrets.OpenValue(r.cipher, s.EncryptedValue)
			if err != nil {
				return nil, nil, &store.RecordError{Client: reg.Key().String(), Setting: name, Err: err}
			}
			values[name] = v
			continue
		}
		if s.Value == nil {
			unset = append(unset, name)
			continue
		}
		values[name] = *s.Value
	}
	return values, unset, nil
}

// unsetOutcome fails a run whose settings have not been given values yet.
func unsetOutcome(names []string) models.VerificationOutcome {
	out := models.VerificationOutcome{Success: false}
	for _, name := range names {
		out.Logs = append(out.Logs, fmt.Sprintf("setting %s has no value", name))
	}
	out.Message = fmt.Sprintf("Setting %s has no value", strings.Join(names, ", "))
	return out
}

// execute runs the verifier and converts errors and panics into a failed
// outcome.
func (r *Runner) execute(ctx context.Context, key models.ClientKey, def models.VerificationDefinition, values map[string]models.Value) (outcome models.VerificationOutcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("client", key.Name).
				Str("verification", def.Name).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Verification panicked")
			outcome = models.VerificationOutcome{
				Success: false,
				Message: fmt.Sprintf("Exception during code execution: %v", p),
				Logs:    outcome.Logs,
			}
		}
	}()

	var err error
	switch def.Kind {
	case models.VerificationPlugin:
		plugin, ok := r.plugins.Load(def.Name)
		if !ok {
			return models.VerificationOutcome{Message: fmt.Sprintf("No verifier registered for %q", def.Name)}
		}
		outcome, err = plugin.PerformVerification(ctx, values)
	case models.VerificationDynamic:
		var program *vm.Program
		program, err = r.program(key, def)
		if err == nil {
			outcome, err = runProgram(ctx, r.client, program, values)
		}
	default:
		err = fmt.Errorf("unknown verification kind %q", def.Kind)
	}

	if err != nil {
		return models.VerificationOutcome{
			Success: false,
			Message: fmt.Sprintf("Exception during code execution: %v", err),
			Logs:    outcome.Logs,
		}
	}
	return outcome
}

// program returns the cached program, compiling on a miss (after a restart
// the cache is empty).
func (r *Runner) program(key models.ClientKey, def models.VerificationDefinition) (*vm.Program, error) {
	pk := programKey{client: key, name: def.Name, hash: comparer.HashVerification(def)}
	if p, ok := r.programs.Load(pk); ok {
		return p, nil
	}
	p, err := Compile(def)
	if err != nil {
		return nil, err
	}
	r.programs.Store(pk, p)
	return p, nil
}
