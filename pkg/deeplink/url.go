package deeplink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
)

const urlLogPrefix = "deeplink:url"

// qrMarker is appended by the dapp SDK to links rendered as QR codes.
const qrMarker = "t=q"

const defaultProtocolVersion = 1

// ErrMissingChannelID is returned when a connect link has no channelId.
var ErrMissingChannelID = errors.New("deep link has no channelId")

// HasQRMarker reports whether rawURL carries the "t=q" parameter.
// It tokenizes on '?', '&' and '#' so links that are not strictly well-formed still match.
func HasQRMarker(rawURL string) bool {
	tokens := strings.FieldsFunc(rawURL, func(r rune) bool {
		return r == '?' || r == '&' || r == '#'
	})
	for _, tok := range tokens {
		if tok == qrMarker {
			return true
		}
	}
	return false
}

// ParseConnectURL builds an InvocationRequest from a connect deep link, e.g.
//
//	https://wallet.link/connect?channelId=...&pubkey=...&v=2&comm=socket&originatorInfo=<b64>&rpc=<b64>&t=q
//
// origin is the caller-supplied origin; QR normalization happens at dispatch time.
func ParseConnectURL(rawURL, origin string) (*InvocationRequest, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%s - invalid deep link: %w", urlLogPrefix, err)
	}
	q := u.Query()

	channelID := strings.TrimSpace(q.Get("channelId"))
	if channelID == "" {
		return nil, fmt.Errorf("%s - %w", urlLogPrefix, ErrMissingChannelID)
	}

	if origin == "" {
		origin = OriginDeeplink
	}

	req := &InvocationRequest{
		ChannelID:       channelID,
		Origin:          origin,
		URL:             rawURL,
		OtherPublicKey:  q.Get("pubkey"),
		ProtocolVersion: parseProtocolVersion(q.Get("v")),
		Context:         "deeplink_" + origin,
		RPC:             restorePlus(q.Get("rpc")),
	}

	if raw := restorePlus(q.Get("originatorInfo")); raw != "" {
		info, err := decodeOriginatorInfo(raw)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - ignoring originatorInfo for %s: %v", urlLogPrefix, channelID, err))
		} else {
			req.OriginatorInfo = info
		}
	}

	return req, nil
}

// restorePlus undoes query decoding of '+' into ' ' inside unescaped base64 values.
func restorePlus(v string) string {
	return strings.ReplaceAll(v, " ", "+")
}

func parseProtocolVersion(raw string) int {
	if raw == "" {
		return defaultProtocolVersion
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return defaultProtocolVersion
	}
	return v
}

func decodeOriginatorInfo(raw string) (*OriginatorInfo, error) {
	text, err := DecodeRPCPayload(raw)
	if err != nil {
		return nil, err
	}
	var info OriginatorInfo
	if err := json.Unmarshal([]byte(text), &info); err != nil {
		return nil, fmt.Errorf("%s - originatorInfo is not JSON: %w", urlLogPrefix, err)
	}
	return &info, nil
}
