package auth

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Fixed credentials for the bilibili-manga mobile client. These are not
// secrets this codebase owns — they identify the mobile app to bilibili's
// API and are published by every manga client that talks to it.
const (
	AppKey    = "cc8617fd6961e070"
	appSecret = "3131924b941aac971e45189f265262be"
)

// AppSign signs a set of query parameters the way the official android client
// does: insert appkey, sort all params lexicographically by key, URL-encode
// the sorted query string, append the app secret, and MD5 it for a lowercase
// hex signature.
//
// AppSign does not mutate params; it returns a new map with "appkey" and
// "sign" added. Because the signature is computed over the sorted key order,
// the result does not depend on the iteration order of the input map.
func AppSign(params map[string]string) map[string]string {
	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	signed["appkey"] = AppKey

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(signed[k]))
	}

	sum := md5.Sum([]byte(b.String() + appSecret))
	signed["sign"] = hex.EncodeToString(sum[:])
	return signed
}
