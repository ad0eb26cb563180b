package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/transfa/consent-flow/internal/flow/domain"
)

func TestGetAccounts_RejectsBlankConsentIDWithoutCallingBackend(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Options{ASPSPBaseURL: server.URL})

	_, err := client.GetAccounts(context.Background(), "  ")
	if !errors.Is(err, ErrConsentIDRequired) {
		t.Fatalf("expected ErrConsentIDRequired, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no backend call, got %d", calls)
	}
}

func TestGetAccounts_SendsConsentIDHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts" || r.URL.Query().Get("withBalance") != "true" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
		if got := r.Header.Get("consent-id"); got != "c1" {
			t.Errorf("expected consent-id header c1, got %q", got)
		}
		if r.Header.Get("x-request-id") == "" {
			t.Error("expected x-request-id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"accounts":[{"resourceId":"a1","iban":"DE1","currency":"EUR"}]}`)
	}))
	defer server.Close()

	client := NewClient(Options{ASPSPBaseURL: server.URL + "/"})

	accounts, err := client.GetAccounts(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetAccounts returned error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].IBAN != "DE1" {
		t.Fatalf("unexpected accounts %+v", accounts)
	}
}

func TestGetConsent_SendsCertificateHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/consents/c1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("tpp-qwac-certificate"); got != "cert" {
			t.Errorf("expected certificate header, got %q", got)
		}
		_, _ = io.WriteString(w, `{"consentId":"c1","consentStatus":"RECEIVED","access":{"accounts":[]}}`)
	}))
	defer server.Close()

	client := NewClient(Options{ASPSPBaseURL: server.URL, QWACCertificate: "cert"})

	consent, err := client.GetConsent(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetConsent returned error: %v", err)
	}
	if consent.Status != domain.ConsentStatusReceived {
		t.Fatalf("expected RECEIVED, got %q", consent.Status)
	}
}

func TestValidateTAN_ParsesErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "nested message", body: `{"error":{"message":"WRONG_TAN"}}`, wantCode: CodeWrongTAN},
		{name: "flat message", body: `{"error":"LIMIT_EXCEEDED"}`, wantCode: CodeLimitExceeded},
		{name: "not json", body: `bad gateway`, wantCode: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req ValidateTANRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("failed to decode body: %v", err)
				}
				if req.TANNumber != "123456" || req.ConsentID != "c1" || req.PsuID != "PSU_001" {
					t.Errorf("unexpected body %+v", req)
				}
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := NewClient(Options{ASPSPBaseURL: server.URL})
			err := client.ValidateTAN(context.Background(), domain.FlowAIS, ValidateTANRequest{TANNumber: "123456", ConsentID: "c1", PsuID: "PSU_001"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := ErrorCode(err); got != tt.wantCode {
				t.Fatalf("expected code %q, got %q", tt.wantCode, got)
			}
			if IsTransportError(err) {
				t.Fatal("server answer must not be reported as transport error")
			}
		})
	}
}

func TestTransportErrorIsDistinguished(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client := NewClient(Options{ASPSPBaseURL: baseURL})
	err := client.UpdateConsentStatus(context.Background(), domain.FlowAIS, "c1", domain.ConsentStatusValid)
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestUpdateConsentStatus_UsesTANServerPath(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Options{ASPSPBaseURL: "http://unused.invalid", TANBaseURL: server.URL})
	if err := client.UpdateConsentStatus(context.Background(), domain.FlowPIS, "c9", domain.ConsentStatusRevokedByPSU); err != nil {
		t.Fatalf("UpdateConsentStatus returned error: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/consent/confirmation/pis/c9/REVOKED_BY_PSU" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestGetConsent_UndecodableSuccessBodyIsNotTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>gateway maintenance</html>")
	}))
	defer server.Close()

	client := NewClient(Options{ASPSPBaseURL: server.URL})
	_, err := client.GetConsent(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected decode error")
	}
	if IsTransportError(err) {
		t.Fatalf("backend answered; expected API error, got transport error %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusOK || apiErr.Code != CodeInvalidResponse {
		t.Fatalf("expected INVALID_RESPONSE api error with status 200, got %#v", err)
	}
}

func TestWithPsuID_SetsHeaderOnEveryCall(t *testing.T) {
	var headers []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = append(headers, r.Header.Get(PsuIDHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Options{ASPSPBaseURL: server.URL})
	ctx := WithPsuID(context.Background(), " PSU_001 ")
	if err := client.UpdateConsentStatus(ctx, domain.FlowAIS, "c1", domain.ConsentStatusValid); err != nil {
		t.Fatalf("UpdateConsentStatus returned error: %v", err)
	}
	if err := client.UpdateConsentAccess(ctx, "c1", domain.AccountAccess{}); err != nil {
		t.Fatalf("UpdateConsentAccess returned error: %v", err)
	}
	if err := client.UpdateConsentStatus(context.Background(), domain.FlowAIS, "c1", domain.ConsentStatusValid); err != nil {
		t.Fatalf("UpdateConsentStatus returned error: %v", err)
	}

	want := []string{"PSU_001", "PSU_001", ""}
	if len(headers) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(headers))
	}
	for i := range want {
		if headers[i] != want[i] {
			t.Fatalf("call %d: expected PSU-ID %q, got %q", i, want[i], headers[i])
		}
	}
}
