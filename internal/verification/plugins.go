package verification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/figsettings/fig/pkg/models"
)

// Rest200OkVerifier checks that every referenced URL setting answers a GET
// with 200 OK.
type Rest200OkVerifier struct {
	client *http.Client
}

func NewRest200OkVerifier(client *http.Client) *Rest200OkVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Rest200OkVerifier{client: client}
}

func (v *Rest200OkVerifier) Name() string { return "Rest200OkVerifier" }

func (v *Rest200OkVerifier) PerformVerification(ctx context.Context, values map[string]models.Value) (models.VerificationOutcome, error) {
	if len(values) == 0 {
		return models.VerificationOutcome{Message: "no URL settings supplied"}, nil
	}

	out := models.VerificationOutcome{Success: true}
	for name, val := range values {
		url, ok := val.AsString()
		if !ok {
			return models.VerificationOutcome{}, fmt.Errorf("setting %s is %s, want a string URL", name, val.Type())
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return models.VerificationOutcome{}, fmt.Errorf("setting %s: %w", name, err)
		}
		start := time.Now()
		resp, err := v.client.Do(req)
		if err != nil {
			out.Success = false
			out.Logs = append(out.Logs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		resp.Body.Close()
		out.Logs = append(out.Logs, fmt.Sprintf("%s: %d in %s", name, resp.StatusCode, time.Since(start).Round(time.Millisecond)))
		if resp.StatusCode != http.StatusOK {
			out.Success = false
		}
	}

	if out.Success {
		out.Message = "Succeeded"
	} else {
		out.Message = "One or more endpoints did not return 200 OK"
	}
	return out, nil
}
