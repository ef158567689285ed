package csignal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/collie-robotics/collie/csec"
)

// ErrRejected indicates the robot answered the exchange but refused
// the offer.
var ErrRejected = errors.New("robot rejected session offer")

// LocalExchangerConfig configures a [LocalExchanger].
type LocalExchangerConfig struct {
	Log *slog.Logger

	// Addr is the robot's IP address.
	Addr string

	// Sec carries the handshake key material for the encrypted
	// endpoint.
	Sec *csec.Context

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// SignalPort is the encrypted endpoint's port. Defaults to 9991.
	SignalPort int

	// LegacyPort is the plaintext endpoint's port older firmware
	// exposes. Defaults to 8081.
	LegacyPort int
}

func (c LocalExchangerConfig) validate() {
	var errs []error

	if c.Log == nil {
		errs = append(errs, errors.New("Log may not be nil"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("Addr may not be empty"))
	}
	if c.Sec == nil {
		errs = append(errs, errors.New("Sec may not be nil"))
	}

	if err := errors.Join(errs...); err != nil {
		panic(fmt.Errorf("invalid LocalExchangerConfig: %w", err))
	}
}

// LocalExchanger trades session descriptions with a robot over its
// local HTTP signaling endpoints.
//
// The plaintext endpoint is tried first because it answers
// immediately on firmware that still serves it; newer firmware only
// serves the encrypted endpoint, which requires fetching the robot's
// public key and sealing the offer under an ephemeral session key.
type LocalExchanger struct {
	log    *slog.Logger
	client *http.Client
	sec    *csec.Context

	addr       string
	signalPort int
	legacyPort int
}

// NewLocalExchanger returns a LocalExchanger with the given
// configuration, panicking if the configuration is invalid.
func NewLocalExchanger(cfg LocalExchangerConfig) *LocalExchanger {
	cfg.validate()

	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.SignalPort == 0 {
		cfg.SignalPort = 9991
	}
	if cfg.LegacyPort == 0 {
		cfg.LegacyPort = 8081
	}

	return &LocalExchanger{
		log:    cfg.Log,
		client: cfg.Client,
		sec:    cfg.Sec,

		addr:       cfg.Addr,
		signalPort: cfg.SignalPort,
		legacyPort: cfg.LegacyPort,
	}
}

// Exchange implements [Exchanger].
func (e *LocalExchanger) Exchange(ctx context.Context, offer Offer) (Answer, error) {
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		panic(fmt.Errorf("IMPOSSIBLE: failed to marshal offer: %w", err))
	}

	ans, legacyErr := e.exchangeLegacy(ctx, offerJSON)
	if legacyErr == nil {
		return ans, nil
	}
	e.log.Info(
		"Legacy signaling endpoint unavailable, using encrypted endpoint",
		"err", legacyErr,
	)

	ans, err = e.exchangeEncrypted(ctx, offerJSON)
	if err != nil {
		return Answer{}, errors.Join(legacyErr, err)
	}
	return ans, nil
}

func (e *LocalExchanger) exchangeLegacy(ctx context.Context, offerJSON []byte) (Answer, error) {
	url := fmt.Sprintf("http://%s:%d/offer", e.addr, e.legacyPort)
	body, err := e.post(ctx, url, "application/json", offerJSON)
	if err != nil {
		return Answer{}, fmt.Errorf("legacy exchange: %w", err)
	}

	return parseAnswer(body)
}

func (e *LocalExchanger) exchangeEncrypted(ctx context.Context, offerJSON []byte) (Answer, error) {
	notifyURL := fmt.Sprintf("http://%s:%d/con_notify", e.addr, e.signalPort)
	raw, err := e.post(ctx, notifyURL, "", nil)
	if err != nil {
		return Answer{}, fmt.Errorf("fetching key material: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return Answer{}, fmt.Errorf("decoding key material response: %w", err)
	}

	var notify struct {
		Data1 string `json:"data1"`
	}
	if err := json.Unmarshal(decoded, &notify); err != nil {
		return Answer{}, fmt.Errorf("parsing key material response: %w", err)
	}
	if len(notify.Data1) <= 20 {
		return Answer{}, fmt.Errorf(
			"key material response too short (%d bytes)", len(notify.Data1),
		)
	}

	// The key material is framed by ten filler characters on each
	// side; the trailing ten also encode the submit path.
	keyMaterial := notify.Data1[10 : len(notify.Data1)-10]
	if err := e.sec.AttachPeerKey(keyMaterial); err != nil {
		return Answer{}, fmt.Errorf("parsing robot public key: %w", err)
	}

	sealed, err := e.sec.Encrypt(offerJSON)
	if err != nil {
		return Answer{}, fmt.Errorf("sealing offer: %w", err)
	}
	wrappedKey, err := e.sec.WrapSessionKey()
	if err != nil {
		return Answer{}, fmt.Errorf("wrapping session key: %w", err)
	}

	reqBody, err := json.Marshal(map[string]string{
		"data1": sealed,
		"data2": wrappedKey,
	})
	if err != nil {
		panic(fmt.Errorf("IMPOSSIBLE: failed to marshal sealed offer: %w", err))
	}

	ingURL := fmt.Sprintf(
		"http://%s:%d/con_ing_%s",
		e.addr, e.signalPort, pathEnding(notify.Data1),
	)
	respBody, err := e.post(
		ctx, ingURL, "application/x-www-form-urlencoded", reqBody,
	)
	if err != nil {
		return Answer{}, fmt.Errorf("submitting sealed offer: %w", err)
	}

	plain, err := e.sec.Decrypt(strings.TrimSpace(string(respBody)))
	if err != nil {
		return Answer{}, fmt.Errorf("opening sealed answer: %w", err)
	}

	return parseAnswer(plain)
}

func (e *LocalExchanger) post(ctx context.Context, url, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("building request to %s: %w", url, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s answered status %d", url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// parseAnswer decodes an answer description, recognizing the
// firmware's rejection sentinel.
func parseAnswer(raw []byte) (Answer, error) {
	var ans Answer
	if err := json.Unmarshal(raw, &ans); err != nil {
		return Answer{}, fmt.Errorf("parsing answer description: %w", err)
	}
	if ans.Type == "reject" || ans.SDP == "reject" {
		return Answer{}, ErrRejected
	}
	if ans.SDP == "" {
		return Answer{}, fmt.Errorf("answer description missing sdp")
	}
	return ans, nil
}

// pathEnding derives the encrypted submit path's numeric suffix from
// the trailing ten characters of the key material blob: the second
// character of each pair maps through A..J to a digit.
func pathEnding(data1 string) string {
	tail := data1[len(data1)-10:]

	var b strings.Builder
	for i := 0; i+1 < len(tail); i += 2 {
		c := tail[i+1]
		if c < 'A' || c > 'J' {
			continue
		}
		b.WriteByte('0' + (c - 'A'))
	}
	return b.String()
}
