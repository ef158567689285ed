package csignal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/collie-robotics/collie/csec"
)

// ErrDeviceOffline indicates the vendor relay reported the robot is
// not currently connected to the cloud.
var ErrDeviceOffline = errors.New("robot is not online with the relay")

// vendor API constants, matching the firmware's companion app.
const (
	defaultAPIBase = "https://global-robot-api.unitree.com/"
	appSignSecret  = "XyvkwK45hp5PHfA8"

	codeOK      = 100
	codeOffline = 1000
)

// RelayAccount is a TURN credential set issued by the vendor API.
type RelayAccount struct {
	User     string `json:"user"`
	Password string `json:"passwd"`
	Realm    string `json:"realm"`
	TTL      int    `json:"ttl"`
}

// AuthenticatorConfig configures an [Authenticator].
type AuthenticatorConfig struct {
	Log *slog.Logger

	// BaseURL overrides the vendor API base, for tests.
	BaseURL string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

func (c AuthenticatorConfig) validate() {
	if c.Log == nil {
		panic(errors.New("invalid AuthenticatorConfig: Log may not be nil"))
	}
}

// Authenticator talks to the vendor account API: it logs in, fetches
// the API's envelope public key, and obtains relay credentials for a
// robot.
type Authenticator struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string
}

// NewAuthenticator returns an Authenticator with the given
// configuration, panicking if the configuration is invalid.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	cfg.validate()

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	return &Authenticator{
		log:     cfg.Log,
		client:  cfg.Client,
		baseURL: cfg.BaseURL,
	}
}

// Login exchanges credentials for an access token. The password is
// MD5-hashed before transmission, as the vendor API expects.
func (a *Authenticator) Login(ctx context.Context, email, password string) (string, error) {
	body := url.Values{
		"email":    {email},
		"password": {csec.MD5Hex(password)},
	}

	var data struct {
		AccessToken string `json:"accessToken"`
	}
	if err := a.call(ctx, http.MethodPost, "login/email", body, "", &data); err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	if data.AccessToken == "" {
		return "", errors.New("login response missing access token")
	}

	a.log.Info("Obtained relay access token")
	return data.AccessToken, nil
}

// FetchPublicKey returns the vendor API's envelope public key as
// base64-encoded material suitable for [csec.Context.AttachPeerKey].
func (a *Authenticator) FetchPublicKey(ctx context.Context) (string, error) {
	var material string
	if err := a.call(ctx, http.MethodGet, "system/pubKey", nil, "", &material); err != nil {
		return "", fmt.Errorf("fetching envelope key: %w", err)
	}
	if material == "" {
		return "", errors.New("envelope key response empty")
	}
	return material, nil
}

// FetchRelayAccount obtains TURN credentials for the robot with the
// given serial number. The credentials come back sealed under an
// ephemeral AES key the API learns through its envelope public key.
func (a *Authenticator) FetchRelayAccount(
	ctx context.Context, token, serial string,
) (RelayAccount, error) {
	sec, err := a.envelope(ctx)
	if err != nil {
		return RelayAccount{}, err
	}

	wrapped, err := sec.WrapSessionKey()
	if err != nil {
		return RelayAccount{}, fmt.Errorf("wrapping envelope key: %w", err)
	}

	body := url.Values{
		"sn": {serial},
		"sk": {wrapped},
	}

	var sealed string
	if err := a.call(ctx, http.MethodPost, "webrtc/account", body, token, &sealed); err != nil {
		return RelayAccount{}, fmt.Errorf("fetching relay account: %w", err)
	}

	plain, err := sec.Decrypt(sealed)
	if err != nil {
		return RelayAccount{}, fmt.Errorf("opening relay account: %w", err)
	}

	var acct RelayAccount
	if err := json.Unmarshal(plain, &acct); err != nil {
		return RelayAccount{}, fmt.Errorf("parsing relay account: %w", err)
	}
	return acct, nil
}

// envelope builds a fresh security context keyed to the vendor API's
// envelope public key.
func (a *Authenticator) envelope(ctx context.Context) (*csec.Context, error) {
	material, err := a.FetchPublicKey(ctx)
	if err != nil {
		return nil, err
	}

	sec, err := csec.NewContext()
	if err != nil {
		return nil, fmt.Errorf("creating envelope context: %w", err)
	}
	if err := sec.AttachPeerKey(material); err != nil {
		return nil, fmt.Errorf("parsing envelope key: %w", err)
	}
	return sec, nil
}

// call performs one signed API request and decodes the data field of
// a successful response into out.
func (a *Authenticator) call(
	ctx context.Context, method, path string, body url.Values, token string, out any,
) error {
	var reqBody io.Reader
	reqURL := a.baseURL + path
	if method == http.MethodGet {
		if len(body) > 0 {
			reqURL += "?" + body.Encode()
		}
	} else {
		reqBody = strings.NewReader(body.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("building request to %s: %w", path, err)
	}
	signRequest(req, token)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parsing %s response: %w", path, err)
	}

	switch envelope.Code {
	case codeOK:
		// Fall through to decode.
	case codeOffline:
		return ErrDeviceOffline
	default:
		return fmt.Errorf(
			"%s answered code %d: %s", path, envelope.Code, envelope.Message,
		)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("parsing %s data: %w", path, err)
	}
	return nil
}

// signRequest attaches the request signature and client-identity
// headers the vendor API validates.
func signRequest(req *http.Request, token string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := csec.MD5Hex(ts)
	sign := csec.MD5Hex(appSignSecret + ts + nonce)

	h := req.Header
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("AppTimestamp", ts)
	h.Set("AppNonce", nonce)
	h.Set("AppSign", sign)
	h.Set("AppName", "Go2")
	h.Set("AppVersion", "1.8.0")
	h.Set("AppLocale", "en_US")
	h.Set("DevicePlatform", "Android")
	h.Set("Token", token)
}

// RemoteExchangerConfig configures a [RemoteExchanger].
type RemoteExchangerConfig struct {
	Log *slog.Logger

	Auth *Authenticator

	// Serial identifies the robot with the relay.
	Serial string

	// Token is a valid access token from [Authenticator.Login].
	Token string

	// Relay, when set, is echoed into the offer's turnserver field.
	Relay *RelayAccount

	// Timeout is how long the relay holds the offer waiting for the
	// robot, in seconds. Defaults to 5.
	Timeout int
}

func (c RemoteExchangerConfig) validate() {
	var errs []error

	if c.Log == nil {
		errs = append(errs, errors.New("Log may not be nil"))
	}
	if c.Auth == nil {
		errs = append(errs, errors.New("Auth may not be nil"))
	}
	if c.Serial == "" {
		errs = append(errs, errors.New("Serial may not be empty"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("Token may not be empty"))
	}

	if err := errors.Join(errs...); err != nil {
		panic(fmt.Errorf("invalid RemoteExchangerConfig: %w", err))
	}
}

// RemoteExchanger trades session descriptions through the vendor
// relay for robots reachable only over the internet. The offer is
// sealed under an ephemeral AES key before it leaves the process.
type RemoteExchanger struct {
	log  *slog.Logger
	auth *Authenticator

	serial  string
	token   string
	relay   *RelayAccount
	timeout int
}

// NewRemoteExchanger returns a RemoteExchanger with the given
// configuration, panicking if the configuration is invalid.
func NewRemoteExchanger(cfg RemoteExchangerConfig) *RemoteExchanger {
	cfg.validate()

	if cfg.Timeout == 0 {
		cfg.Timeout = 5
	}

	return &RemoteExchanger{
		log:  cfg.Log,
		auth: cfg.Auth,

		serial:  cfg.Serial,
		token:   cfg.Token,
		relay:   cfg.Relay,
		timeout: cfg.Timeout,
	}
}

// Exchange implements [Exchanger].
func (e *RemoteExchanger) Exchange(ctx context.Context, offer Offer) (Answer, error) {
	if offer.TurnServer == nil {
		offer.TurnServer = e.relay
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		panic(fmt.Errorf("IMPOSSIBLE: failed to marshal offer: %w", err))
	}

	sec, err := e.auth.envelope(ctx)
	if err != nil {
		return Answer{}, err
	}

	sealed, err := sec.Encrypt(offerJSON)
	if err != nil {
		return Answer{}, fmt.Errorf("sealing offer: %w", err)
	}
	wrapped, err := sec.WrapSessionKey()
	if err != nil {
		return Answer{}, fmt.Errorf("wrapping session key: %w", err)
	}

	body := url.Values{
		"sn":      {e.serial},
		"sk":      {wrapped},
		"data":    {sealed},
		"timeout": {strconv.Itoa(e.timeout)},
	}

	var sealedAnswer string
	err = e.auth.call(ctx, http.MethodPost, "webrtc/connect", body, e.token, &sealedAnswer)
	if err != nil {
		return Answer{}, fmt.Errorf("relaying offer: %w", err)
	}

	plain, err := sec.Decrypt(sealedAnswer)
	if err != nil {
		return Answer{}, fmt.Errorf("opening sealed answer: %w", err)
	}

	e.log.Info("Received answer through relay", "serial", e.serial)
	return parseAnswer(plain)
}
