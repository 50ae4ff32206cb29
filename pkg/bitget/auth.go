package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gregtusar/triarb/pkg/models"
)

// Signer adds Bitget's ACCESS-* headers. The signature is the base64 HMAC
// SHA256 of timestamp + METHOD + requestPath(+?query) + body.
type Signer struct {
	apiKey     string
	secretKey  string
	passphrase string
	now        func() time.Time
}

func NewSigner(creds *models.Credentials) *Signer {
	return &Signer{
		apiKey:     creds.APIKey,
		secretKey:  creds.SecretKey,
		passphrase: creds.Passphrase,
		now:        time.Now,
	}
}

func (s *Signer) AddAuthHeaders(req *http.Request, method, requestPath, body string) {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	req.Header.Set("ACCESS-KEY", s.apiKey)
	req.Header.Set("ACCESS-SIGN", s.Sign(timestamp, method, requestPath, body))
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", s.passphrase)
}

func (s *Signer) Sign(timestamp, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(s.secretKey))
	h.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
