// Package mpesa integrates with the Safaricom Daraja API for STK push payments.
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/clock"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// SandboxBaseURL is the Daraja sandbox environment.
	SandboxBaseURL = "https://sandbox.safaricom.co.ke"

	// auth
	APIToken = "/oauth/v1/generate"

	// lipa na m-pesa online
	APIStkPush = "/mpesa/stkpush/v1/processrequest"

	transactionType = "CustomerPayBillOnline"
	transactionDesc = "Internet Access"
	timestampLayout = "20060102150405"

	// Daraja caps AccountReference at 12 characters.
	accountRefLen = 12

	// tokens are refreshed this long before they expire
	tokenSkew = 60 * time.Second
)

var (
	// ErrAuth is returned when the OAuth token request fails.
	ErrAuth = errors.New("mpesa authentication failed")
	// ErrRejected is returned when Daraja does not accept the push request.
	ErrRejected = errors.New("mpesa request rejected")
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// Config holds the Daraja credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Client initiates STK push payments.
type Client struct {
	config Config
	client *resty.Client
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	accessToken string
	expireTime  time.Time
}

// NewClient creates a Daraja client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = SandboxBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout)

	return &Client{
		config: config,
		client: client,
		clock:  clock.Real{},
		logger: logger,
	}
}

// SetClock replaces the time source used for timestamps and token expiry.
func (c *Client) SetClock(clk clock.Clock) {
	c.clock = clk
}

// TokenResp is the OAuth response.
type TokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// ErrorResp is the error body Daraja returns with non-2xx statuses.
type ErrorResp struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// StkPushRequest is the Lipa na M-Pesa Online request body.
type StkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// StkPushResp is the synchronous acknowledgement of a push request.
type StkPushResp struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// getToken returns a cached access token, fetching a new one when it is
// missing or about to expire.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.accessToken != "" && now.Before(c.expireTime.Add(-tokenSkew)) {
		return c.accessToken, nil
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		Get(APIToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode(), errorMessage(resp.Body()))
	}

	var result TokenResp
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", ErrAuth, err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}

	expiresIn, err := strconv.Atoi(result.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}

	c.accessToken = result.AccessToken
	c.expireTime = now.Add(time.Duration(expiresIn) * time.Second)

	return c.accessToken, nil
}

// Initiate sends an STK push prompt to the subscriber's phone and returns the
// CheckoutRequestID used to correlate the asynchronous callback.
func (c *Client) Initiate(ctx context.Context, subscriber string, amount int64, sessionID string) (string, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return "", err
	}

	timestamp := c.clock.Now().In(eat).Format(timestampLayout)
	req := StkPushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          Password(c.config.ShortCode, c.config.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            amount,
		PartyA:            subscriber,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       subscriber,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  AccountReference(sessionID),
		TransactionDesc:   transactionDesc,
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(APIStkPush)
	if err != nil {
		return "", fmt.Errorf("stk push request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode(), errorMessage(resp.Body()))
	}

	var result StkPushResp
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to decode stk push response: %w", err)
	}
	if result.ResponseCode != "0" || result.CheckoutRequestID == "" {
		return "", fmt.Errorf("%w: code %q: %s", ErrRejected, result.ResponseCode, result.ResponseDescription)
	}

	c.logger.Info("stk push accepted",
		zap.String("session_id", sessionID),
		zap.String("checkout_request_id", result.CheckoutRequestID),
		zap.String("merchant_request_id", result.MerchantRequestID),
	)

	return result.CheckoutRequestID, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// Password builds the STK push password: base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// AccountReference derives the reference shown on the subscriber's prompt.
func AccountReference(sessionID string) string {
	ref := "Wifi_" + strings.ReplaceAll(sessionID, "-", "")
	if len(ref) > accountRefLen {
		ref = ref[:accountRefLen]
	}
	return ref
}

func errorMessage(body []byte) string {
	var e ErrorResp
	if err := json.Unmarshal(body, &e); err == nil && e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
