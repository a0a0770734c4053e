package connector

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified passthrough", SubscriptionRejected("scope", nil), KindSubscriptionRejected},
		{"wrapped classified", fmt.Errorf("subscribe: %w", QuotaExhausted("daily", nil)), KindQuotaExhausted},
		{"http 401", &StatusError{Status: 401}, KindAuthInvalid},
		{"http 403 quota", &StatusError{Status: 403, Body: `{"error":{"errors":[{"reason":"quotaExceeded"}]}}`}, KindQuotaExhausted},
		{"http 429", &StatusError{Status: 429}, KindTransportDown},
		{"http 502", &StatusError{Status: 502}, KindTransportDown},
		{"twitch notice", errors.New("Login authentication failed"), KindAuthInvalid},
		{"bad auth format", errors.New("Improperly formatted auth"), KindAuthInvalid},
		{"quota text", errors.New("The request cannot be completed because you have exceeded your quota exceeded"), KindQuotaExhausted},
		{"port number", errors.New("dial tcp 10.0.0.1:4010: connection refused"), KindTransportDown},
		{"unknown", errors.New("EOF"), KindTransportDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := fmt.Errorf("kick delete: %w", Unsupported("delete"))
	if !errors.Is(err, ErrUnsupported) {
		t.Error("errors.Is(Unsupported(...), ErrUnsupported) = false, want true")
	}
	if errors.Is(Transport(io.EOF), ErrUnsupported) {
		t.Error("errors.Is(Transport, ErrUnsupported) = true, want false")
	}
	if !errors.Is(Transport(io.EOF), io.EOF) {
		t.Error("Transport() does not unwrap to its cause")
	}
}

func TestErrorMessage(t *testing.T) {
	err := SendFailed("bot", errors.New("500"))
	if got := err.Error(); got != "SendFailed (bot): 500" {
		t.Errorf("Error() = %q, want %q", got, "SendFailed (bot): 500")
	}
	if ReasonOf(err) != "bot" {
		t.Errorf("ReasonOf() = %q, want bot", ReasonOf(err))
	}
}

func TestKindTerminal(t *testing.T) {
	for k, want := range map[Kind]bool{
		KindTransportDown:        false,
		KindAuthInvalid:          false,
		KindParseError:           false,
		KindSubscriptionRejected: true,
		KindQuotaExhausted:       true,
		KindUnsupported:          true,
	} {
		if got := k.Terminal(); got != want {
			t.Errorf("%v.Terminal() = %v, want %v", k, got, want)
		}
	}
}

func TestCheckResponse(t *testing.T) {
	ok := &http.Response{StatusCode: 204, Body: io.NopCloser(strings.NewReader(""))}
	if err := CheckResponse(ok, "op"); err != nil {
		t.Errorf("CheckResponse(204) = %v, want nil", err)
	}
	bad := &http.Response{StatusCode: 401, Body: io.NopCloser(strings.NewReader(" unauthorized \n"))}
	err := CheckResponse(bad, "send")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != 401 || se.Body != "unauthorized" {
		t.Errorf("CheckResponse(401) = %#v, want StatusError{401, unauthorized}", err)
	}
}
