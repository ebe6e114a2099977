package verification

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/figsettings/fig/pkg/models"
)

// CompileError carries the diagnostics of a Dynamic verification that does
// not compile for its target runtime.
type CompileError struct {
	Verification string
	Runtime      string
	Diagnostics  []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("verification %q does not compile for runtime %q: %s",
		e.Verification, e.Runtime, strings.Join(e.Diagnostics, "; "))
}

// compileEnv declares the names a Dynamic verification can use. Values are
// only type witnesses; each run binds its own.
//
//	settings    map of the referenced setting values
//	log(...)    appends a line to the result logs, returns true
//	httpStatus  GETs a URL and returns the status code, 0 on transport error
func compileEnv() map[string]any {
	return map[string]any{
		"settings":   map[string]any{},
		"log":        func(args ...any) bool { return true },
		"httpStatus": func(url string) int { return 0 },
	}
}

// Compile compiles a Dynamic verification. Plugin verifications compile to nil.
func Compile(def models.VerificationDefinition) (*vm.Program, error) {
	if def.Kind != models.VerificationDynamic {
		return nil, nil
	}
	runtime := def.TargetRuntime
	if runtime == "" {
		runtime = models.RuntimeExpr
	}
	if runtime != models.RuntimeExpr {
		return nil, &CompileError{
			Verification: def.Name,
			Runtime:      runtime,
			Diagnostics:  []string{"unsupported target runtime"},
		}
	}
	if strings.TrimSpace(def.Code) == "" {
		return nil, &CompileError{Verification: def.Name, Runtime: runtime, Diagnostics: []string{"empty code"}}
	}

	program, err := expr.Compile(def.Code, expr.Env(compileEnv()))
	if err != nil {
		return nil, &CompileError{
			Verification: def.Name,
			Runtime:      runtime,
			Diagnostics:  strings.Split(strings.TrimSpace(err.Error()), "\n"),
		}
	}
	return program, nil
}

// CompileAll compiles every Dynamic verification and stops at the first failure.
func CompileAll(defs []models.VerificationDefinition) (map[string]*vm.Program, error) {
	out := make(map[string]*vm.Program)
	for _, def := range defs {
		p, err := Compile(def)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out[def.Name] = p
		}
	}
	return out, nil
}

// runProgram executes a compiled program. The program may return a bool or a
// map with "success" and optional "message".
func runProgram(ctx context.Context, client *http.Client, program *vm.Program, values map[string]models.Value) (models.VerificationOutcome, error) {
	var logs []string
	settings := make(map[string]any, len(values))
	for name, v := range values {
		settings[name] = v.Interface()
	}

	env := map[string]any{
		"settings": settings,
		"log": func(args ...any) bool {
			logs = append(logs, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
			return true
		},
		"httpStatus": func(url string) int {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				logs = append(logs, "httpStatus: "+err.Error())
				return 0
			}
			resp, err := client.Do(req)
			if err != nil {
				logs = append(logs, "httpStatus: "+err.Error())
				return 0
			}
			resp.Body.Close()
			return resp.StatusCode
		},
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return models.VerificationOutcome{Logs: logs}, err
	}

	switch v := out.(type) {
	case bool:
		msg := "Failed"
		if v {
			msg = "Succeeded"
		}
		return models.VerificationOutcome{Success: v, Message: msg, Logs: logs}, nil
	case map[string]any:
		success, _ := v["success"].(bool)
		msg, _ := v["message"].(string)
		return models.VerificationOutcome{Success: success, Message: msg, Logs: logs}, nil
	default:
		return models.VerificationOutcome{Logs: logs}, fmt.Errorf("unsupported result type %T, want bool or {success, message}", out)
	}
}
