package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// SignCommand serializes the body to its canonical compact form and wraps it
// with an HMAC-SHA256 hex digest keyed by the device token. The Data string is
// the exact byte sequence the signature covers; the device verifies against it
// without re-serializing.
func SignCommand(token string, body protocol.CommandBody) (protocol.SignedCommand, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return protocol.SignedCommand{}, fmt.Errorf("encode command body: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(data)
	return protocol.SignedCommand{
		Data:      string(data),
		Signature: hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// VerifyCommand checks a signed command against a token. Used by tests and by
// device simulators; the bridge itself only signs.
func VerifyCommand(token string, signed protocol.SignedCommand) bool {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(signed.Data))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signed.Signature))
}
