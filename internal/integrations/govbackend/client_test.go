package govbackend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"welfare-agent/internal/domain"
)

type backendStub struct {
	t        *testing.T
	handlers map[string]func(body map[string]any) (int, string)
	seen     map[string]*http.Request
}

func newBackend(t *testing.T) (*backendStub, *Client) {
	t.Helper()
	b := &backendStub{t: t, handlers: map[string]func(map[string]any) (int, string){}, seen: map[string]*http.Request{}}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return b, c
}

func (b *backendStub) on(path string, fn func(body map[string]any) (int, string)) {
	b.handlers[path] = fn
}

func (b *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	key := path
	if t := r.URL.Query().Get("reasonType"); t != "" {
		key = path + "?" + r.URL.RawQuery
	}
	if path == "/public/labour/status" {
		var peek map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &peek)
		key = path + "#" + peek["type"].(string)
		r.Body = io.NopCloser(strings.NewReader(string(raw)))
	}
	b.seen[key] = r

	fn, ok := b.handlers[key]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	code, resp := fn(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, resp)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
	_, err = NewClient("not a url")
	require.Error(t, err)

	c, err := NewClient("https://board.example.gov.in/api/", WithBoardID(3))
	require.NoError(t, err)
	require.Equal(t, "https://board.example.gov.in/api", c.baseURL)
	require.Equal(t, "https://board.example.gov.in", c.origin)
	require.Equal(t, 3, c.boardID)
}

// ---------------------------------------------------------------------------
// FetchSchemes / FetchSchemeDetail
// ---------------------------------------------------------------------------

func TestFetchSchemes(t *testing.T) {
	b, c := newBackend(t)
	b.on("/schemes/get_schemes_by_labor", func(body map[string]any) (int, string) {
		require.Equal(t, float64(1), body["board_id"])
		require.Equal(t, float64(1024), body["labour_user_id"])
		return 200, `{"success":true,"data":[
			{"scheme_id":7,"scheme_name":"Pension Scheme","scheme_application_code":"PS-1","applied_date":"2024-01-05T00:00:00.000Z"},
			{"scheme_name":"no id"},
			{"scheme_id":9,"scheme_application_code":"X-9"}
		]}`
	})

	got, err := c.FetchSchemes(context.Background(), "tok", "1024")
	require.NoError(t, err)
	require.Equal(t, []domain.SchemeApplication{
		{SchemeID: "7", Name: "Pension Scheme", ApplicationCode: "PS-1", AppliedDate: "2024-01-05T00:00:00.000Z"},
		{SchemeID: "9", Name: "Unknown Scheme", ApplicationCode: "X-9"},
	}, got)

	req := b.seen["/schemes/get_schemes_by_labor"]
	require.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	require.NotEmpty(t, req.Header.Get("Origin"))
	require.True(t, strings.HasSuffix(req.Header.Get("Referer"), "/u/home"))
}

func TestFetchSchemes_Non200(t *testing.T) {
	b, c := newBackend(t)
	b.on("/schemes/get_schemes_by_labor", func(map[string]any) (int, string) { return 401, `{"message":"expired"}` })

	_, err := c.FetchSchemes(context.Background(), "tok", "1024")
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 401, statusErr.HTTPStatusCode())
}

func TestFetchSchemeDetail_Approved(t *testing.T) {
	b, c := newBackend(t)
	b.on("/public/schemes/status", func(body map[string]any) (int, string) {
		require.Equal(t, float64(7), body["schemeId"])
		require.Equal(t, "PS-1", body["schemeApplicationCode"])
		return 200, `{"success":true,"data":[{"id":55,"application_status":"Approved","status":"Sanctioned by labour officer"}]}`
	})

	d, err := c.FetchSchemeDetail(context.Background(), "tok", domain.SchemeApplication{SchemeID: "7", ApplicationCode: "PS-1"})
	require.NoError(t, err)
	require.Equal(t, "Approved (Sanctioned by labour officer)", d.Status)
	require.Empty(t, d.RejectionReasons)
	require.Empty(t, b.seen["/public/schemes/status"].Header.Get("Authorization"))
}

func TestFetchSchemeDetail_RejectedWithReasons(t *testing.T) {
	b, c := newBackend(t)
	b.on("/public/schemes/status", func(map[string]any) (int, string) {
		return 200, `{"success":true,"data":[{"id":55,"application_status":"Rejected","status":"Rejected"}]}`
	})
	b.on("/public/schemes/rejection-reason?availId=55&reasonType=FINAL", func(map[string]any) (int, string) {
		return 200, `{"success":true,"data":[{"rejection_reason":"Bank passbook missing"},{"rejection_reason":""},{"rejection_reason":"Age proof unclear"}]}`
	})

	d, err := c.FetchSchemeDetail(context.Background(), "", domain.SchemeApplication{SchemeID: "7", ApplicationCode: "PS-1"})
	require.NoError(t, err)
	require.Equal(t, "Rejected", d.Status)
	require.Equal(t, []string{"Bank passbook missing", "Age proof unclear"}, d.RejectionReasons)
}

func TestFetchSchemeDetail_Unsuccessful(t *testing.T) {
	b, c := newBackend(t)
	b.on("/public/schemes/status", func(map[string]any) (int, string) { return 200, `{"success":false,"data":[]}` })

	_, err := c.FetchSchemeDetail(context.Background(), "", domain.SchemeApplication{SchemeID: "7"})
	require.ErrorIs(t, err, ErrUnsuccessful)
}

// ---------------------------------------------------------------------------
// FetchRegistration
// ---------------------------------------------------------------------------

const registrationBody = `{"success":true,"data":{
	"personal_details":[{"registration_code":"KA-REG-1","first_name":"Lakshmi","last_name":"N","gender":"Female",
		"date_of_birth":"1980-07-15T00:00:00.000Z","validity_from_date":"2023-01-01","validity_to_date":"2026-01-01"}],
	"address_details":[{"district":"Mysuru"}],
	"family_details":[{"first_name":"A","is_nominee":true},{"first_name":"B"}]
}}`

func TestFetchRegistration_ApprovedWithRenewalRejected(t *testing.T) {
	b, c := newBackend(t)
	b.on("/user/get-user-registration-details", func(body map[string]any) (int, string) {
		require.Equal(t, "user_id", body["key"])
		require.Equal(t, "1024", body["value"])
		require.Equal(t, "all", body["procedure_name"])
		return 200, registrationBody
	})
	b.on("/public/labour/status#register", func(body map[string]any) (int, string) {
		require.Equal(t, "KA-REG-1", body["applicationNumber"])
		return 200, `{"success":true,"data":{"status":"Approved","labour_user_id":1024,"labour_work_certificate_id":11}}`
	})
	b.on("/public/labour/status#renewal", func(map[string]any) (int, string) {
		return 200, `{"success":true,"data":{"status":"Rejected","labour_user_id":1024,"labour_work_certificate_id":12}}`
	})
	b.on("/public/v2/registration-renewal/rejection-reason", func(body map[string]any) (int, string) {
		require.Equal(t, float64(12), body["certificateId"])
		require.Equal(t, "FINAL", body["reasonType"])
		return 200, `{"success":true,"data":[{"rejection_reason":"Employer certificate expired"}]}`
	})

	reg, err := c.FetchRegistration(context.Background(), "tok", "1024")
	require.NoError(t, err)
	require.Equal(t, "KA-REG-1", reg.RegistrationCode)
	require.Equal(t, "Lakshmi", reg.FirstName)
	require.Equal(t, "1980-07-15", reg.DateOfBirth)
	require.Equal(t, 44, reg.Age)
	require.Equal(t, "Mysuru", reg.District)
	require.Equal(t, 2, reg.Dependents)
	require.Equal(t, "2026-01-01", reg.ValidityTo)
	require.Equal(t, "Approved (renewal: Rejected)", reg.ApprovalStatus)
	require.Equal(t, []string{"Employer certificate expired"}, reg.RejectionReasons)
}

func TestFetchRegistration_StatusCheckFailsSoftly(t *testing.T) {
	b, c := newBackend(t)
	b.on("/user/get-user-registration-details", func(map[string]any) (int, string) { return 200, registrationBody })
	b.on("/public/labour/status#register", func(map[string]any) (int, string) { return 502, `bad gateway` })

	reg, err := c.FetchRegistration(context.Background(), "tok", "1024")
	require.NoError(t, err)
	require.Equal(t, "Unverified", reg.ApprovalStatus)
}

func TestFetchRegistration_NoPersonalDetails(t *testing.T) {
	b, c := newBackend(t)
	b.on("/user/get-user-registration-details", func(map[string]any) (int, string) {
		return 200, `{"success":true,"data":{"personal_details":[]}}`
	})

	_, err := c.FetchRegistration(context.Background(), "tok", "1024")
	require.ErrorIs(t, err, ErrUnsuccessful)
}

// ---------------------------------------------------------------------------
// FetchRenewalDate
// ---------------------------------------------------------------------------

func TestFetchRenewalDate(t *testing.T) {
	cases := []struct {
		name    string
		resp    string
		want    string
		wantErr bool
	}{
		{name: "object", resp: `{"success":true,"data":{"renewal_date":"2026-01-01"}}`, want: "2026-01-01"},
		{name: "array", resp: `{"success":true,"data":[{"renewal_date":"2026-02-01"}]}`, want: "2026-02-01"},
		{name: "string", resp: `{"success":true,"data":"2026-03-01"}`, want: "2026-03-01"},
		{name: "unknown shape", resp: `{"success":true,"data":{"next":"soon"}}`, want: `{"next":"soon"}`},
		{name: "empty", resp: `{"success":false}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, c := newBackend(t)
			b.on("/user/get-renewal-date", func(body map[string]any) (int, string) {
				require.Equal(t, "1024", body["user_id"])
				return 200, tc.resp
			})
			got, err := c.FetchRenewalDate(context.Background(), "tok", "1024")
			if tc.wantErr {
				require.ErrorIs(t, err, ErrUnsuccessful)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDo_InvalidJSONAndSizeLimit(t *testing.T) {
	b, c := newBackend(t)
	b.on("/user/get-renewal-date", func(map[string]any) (int, string) { return 200, `<html>maintenance</html>` })
	_, err := c.FetchRenewalDate(context.Background(), "tok", "1")
	require.ErrorContains(t, err, "not valid JSON")

	c.maxResponseBytes = 8
	b.on("/user/get-renewal-date", func(map[string]any) (int, string) { return 200, `{"data":"2026-01-01"}` })
	_, err = c.FetchRenewalDate(context.Background(), "tok", "1")
	require.ErrorContains(t, err, "exceeds 8 bytes")
}

func TestNumericID(t *testing.T) {
	require.Equal(t, int64(42), numericID("42"))
	require.Equal(t, "W-42", numericID("W-42"))
}
