package oss

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // object-store request signing mandates HMAC-SHA1
	"encoding/base64"
	"net/http"
	"time"
)

const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// signRequest adds Date and Authorization headers to an object-store
// request. The signature is an HMAC-SHA1 over the canonicalized request:
//
//	VERB \n Content-MD5 \n Content-Type \n Date \n /bucket/object
//
// Range headers deliberately do not participate in the signature, so one
// credential pair covers any byte range of an object.
func signRequest(req *http.Request, keyID, keySecret, bucket, object string, now time.Time) {
	date := now.UTC().Format(timeFormat)
	req.Header.Set("Date", date)

	canonical := req.Method + "\n" +
		req.Header.Get("Content-MD5") + "\n" +
		req.Header.Get("Content-Type") + "\n" +
		date + "\n" +
		"/" + bucket + "/" + object

	mac := hmac.New(sha1.New, []byte(keySecret))
	mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", "OSS "+keyID+":"+signature)
}
