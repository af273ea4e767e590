// Package govbackend talks to the welfare board's backend API to look up a
// worker's scheme applications, registration and renewal date.
package govbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"welfare-agent/internal/domain"
	"welfare-agent/internal/usercontext"
)

const (
	defaultBoardID          = 1
	defaultMaxResponseBytes = 1 << 20
	reasonTypeFinal         = "FINAL"
)

// ErrUnsuccessful is returned when the backend answers 200 with success=false
// or without the expected data block.
var ErrUnsuccessful = errors.New("govbackend: unsuccessful response")

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("govbackend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client implements usercontext.Backend over the board's REST API.
type Client struct {
	baseURL          string
	origin           string
	boardID          int
	httpClient       *http.Client
	maxResponseBytes int64
	now              func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithBoardID(id int) Option {
	return func(c *Client) {
		if id > 0 {
			c.boardID = id
		}
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// NewClient creates a Client for the API rooted at baseURL, e.g.
// https://board.example.gov.in/api.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("govbackend: base url must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("govbackend: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL:          baseURL,
		origin:           u.Scheme + "://" + u.Host,
		boardID:          defaultBoardID,
		httpClient:       &http.Client{Timeout: 10 * time.Second},
		maxResponseBytes: defaultMaxResponseBytes,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ usercontext.Backend = (*Client)(nil)

// FetchSchemes lists the worker's scheme applications. Duplicates are
// returned as-is; the cache collapses them.
func (c *Client) FetchSchemes(ctx context.Context, token, userID string) ([]domain.SchemeApplication, error) {
	body, err := c.post(ctx, "/schemes/get_schemes_by_labor", token, map[string]any{
		"board_id":       c.boardID,
		"labour_user_id": numericID(userID),
	})
	if err != nil {
		return nil, fmt.Errorf("govbackend: fetch schemes: %w", err)
	}

	var out []domain.SchemeApplication
	gjson.GetBytes(body, "data").ForEach(func(_, s gjson.Result) bool {
		id := s.Get("scheme_id").String()
		if id == "" {
			return true
		}
		out = append(out, domain.SchemeApplication{
			SchemeID:        id,
			Name:            firstNonEmpty(s.Get("scheme_name").String(), "Unknown Scheme"),
			ApplicationCode: s.Get("scheme_application_code").String(),
			AppliedDate:     s.Get("applied_date").String(),
		})
		return true
	})
	return out, nil
}

// FetchSchemeDetail resolves one application's status, and the final
// rejection reasons when it was rejected.
func (c *Client) FetchSchemeDetail(ctx context.Context, _ string, scheme domain.SchemeApplication) (domain.SchemeDetail, error) {
	body, err := c.post(ctx, "/public/schemes/status", "", map[string]any{
		"schemeId":              numericID(scheme.SchemeID),
		"schemeApplicationCode": scheme.ApplicationCode,
		"mobileNumber":          "",
	})
	if err != nil {
		return domain.SchemeDetail{}, fmt.Errorf("govbackend: scheme status: %w", err)
	}
	item := gjson.GetBytes(body, "data.0")
	if !gjson.GetBytes(body, "success").Bool() || !item.Exists() {
		return domain.SchemeDetail{}, fmt.Errorf("govbackend: scheme status: %w", ErrUnsuccessful)
	}

	appStatus := item.Get("application_status").String()
	detail := domain.SchemeDetail{Status: appStatus}
	if desc := item.Get("status").String(); desc != "" && !strings.EqualFold(desc, appStatus) {
		detail.Status = fmt.Sprintf("%s (%s)", appStatus, desc)
	}

	if availID := item.Get("id").String(); strings.EqualFold(appStatus, "Rejected") && availID != "" {
		q := url.Values{"availId": {availID}, "reasonType": {reasonTypeFinal}}
		reasons, err := c.get(ctx, "/public/schemes/rejection-reason?"+q.Encode())
		if err == nil {
			detail.RejectionReasons = rejectionReasons(reasons)
		}
	}
	return detail, nil
}

// FetchRegistration returns the worker's registration record, including the
// registration (and renewal) approval state. A failed status check leaves
// ApprovalStatus as "Unverified" rather than failing the lookup.
func (c *Client) FetchRegistration(ctx context.Context, token, userID string) (*domain.Registration, error) {
	body, err := c.post(ctx, "/user/get-user-registration-details", token, map[string]any{
		"key":            "user_id",
		"value":          userID,
		"board_id":       c.boardID,
		"procedure_name": "all",
	})
	if err != nil {
		return nil, fmt.Errorf("govbackend: fetch registration: %w", err)
	}
	personal := gjson.GetBytes(body, "data.personal_details.0")
	if !gjson.GetBytes(body, "success").Bool() || !personal.Exists() {
		return nil, fmt.Errorf("govbackend: fetch registration: %w", ErrUnsuccessful)
	}

	reg := &domain.Registration{
		RegistrationCode: personal.Get("registration_code").String(),
		FirstName:        personal.Get("first_name").String(),
		LastName:         personal.Get("last_name").String(),
		Gender:           personal.Get("gender").String(),
		ValidityFrom:     personal.Get("validity_from_date").String(),
		ValidityTo:       personal.Get("validity_to_date").String(),
		District:         gjson.GetBytes(body, "data.address_details.0.district").String(),
		Dependents:       int(gjson.GetBytes(body, "data.family_details.#").Int()),
	}
	if dob, ok := usercontext.ParseDate(personal.Get("date_of_birth").String()); ok {
		reg.DateOfBirth = dob.Format("2006-01-02")
		reg.Age = usercontext.AgeOn(dob, c.now())
	}

	if reg.RegistrationCode != "" {
		c.resolveApproval(ctx, reg)
	}
	return reg, nil
}

func (c *Client) resolveApproval(ctx context.Context, reg *domain.Registration) {
	st, err := c.labourStatus(ctx, "register", reg.RegistrationCode)
	if err != nil {
		reg.ApprovalStatus = "Unverified"
		return
	}
	reg.ApprovalStatus = st.status

	switch st.status {
	case "Approved":
		ren, err := c.labourStatus(ctx, "renewal", reg.RegistrationCode)
		if err != nil || ren.status == "" {
			return
		}
		reg.ApprovalStatus = fmt.Sprintf("Approved (renewal: %s)", ren.status)
		if ren.status == "Rejected" {
			reg.RejectionReasons = c.renewalRejection(ctx, st.labourUserID, ren.certificateID)
		}
	case "Rejected":
		reg.RejectionReasons = c.renewalRejection(ctx, st.labourUserID, st.certificateID)
	}
}

type labourStatus struct {
	status        string
	labourUserID  any
	certificateID any
}

func (c *Client) labourStatus(ctx context.Context, kind, applicationNumber string) (labourStatus, error) {
	body, err := c.post(ctx, "/public/labour/status", "", map[string]any{
		"type":              kind,
		"applicationNumber": applicationNumber,
		"mobileNumber":      "",
	})
	if err != nil {
		return labourStatus{}, err
	}
	data := gjson.GetBytes(body, "data")
	if !gjson.GetBytes(body, "success").Bool() || !data.Exists() {
		return labourStatus{}, ErrUnsuccessful
	}
	return labourStatus{
		status:        data.Get("status").String(),
		labourUserID:  data.Get("labour_user_id").Value(),
		certificateID: data.Get("labour_work_certificate_id").Value(),
	}, nil
}

func (c *Client) renewalRejection(ctx context.Context, labourUserID, certificateID any) []string {
	body, err := c.post(ctx, "/public/v2/registration-renewal/rejection-reason", "", map[string]any{
		"labourUserId":  labourUserID,
		"certificateId": certificateID,
		"reasonType":    reasonTypeFinal,
	})
	if err != nil {
		return nil
	}
	return rejectionReasons(body)
}

// FetchRenewalDate returns the worker's next renewal date. When the backend
// answers with a structure rather than a date, its JSON is returned verbatim.
func (c *Client) FetchRenewalDate(ctx context.Context, token, userID string) (string, error) {
	body, err := c.post(ctx, "/user/get-renewal-date", token, map[string]any{"user_id": userID})
	if err != nil {
		return "", fmt.Errorf("govbackend: fetch renewal date: %w", err)
	}
	for _, path := range []string{"data.renewal_date", "data.0.renewal_date", "data.next_renewal_date", "renewal_date"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String(), nil
		}
	}
	data := gjson.GetBytes(body, "data")
	switch {
	case data.Type == gjson.String && data.String() != "":
		return data.String(), nil
	case data.IsObject() || data.IsArray():
		return data.Raw, nil
	}
	return "", fmt.Errorf("govbackend: fetch renewal date: %w", ErrUnsuccessful)
}

func rejectionReasons(body []byte) []string {
	if !gjson.GetBytes(body, "success").Bool() {
		return nil
	}
	var out []string
	gjson.GetBytes(body, "data.#.rejection_reason").ForEach(func(_, r gjson.Result) bool {
		if s := strings.TrimSpace(r.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

func (c *Client) post(ctx context.Context, path, token string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, token)
	return c.do(req)
}

func (c *Client) get(ctx context.Context, pathAndQuery string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, "")
	return c.do(req)
}

// setHeaders mirrors what the board's web portal sends; the backend rejects
// requests without a matching Origin.
func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Referer", c.origin+"/u/home")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: req.URL.Path, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(buf)) > c.maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", c.maxResponseBytes)
	}
	if !gjson.ValidBytes(buf) {
		return nil, errors.New("response is not valid JSON")
	}
	return buf, nil
}

// numericID sends digit-only ids as numbers, which is what the backend's
// stored procedures expect.
func numericID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
