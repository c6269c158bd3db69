package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const base62Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ShareSlug derives a short URL slug for a poll id. The same id and salt always give the same slug.
func ShareSlug(pollID, salt string) string {
	h := hmac.New(sha256.New, []byte(salt))
	h.Write([]byte(pollID))
	return base62(binary.BigEndian.Uint64(h.Sum(nil)[:8]))
}

func base62(num uint64) string {
	if num == 0 {
		return "0"
	}
	out := make([]byte, 0, 11)
	for num > 0 {
		out = append(out, base62Chars[num%62])
		num /= 62
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// HashIP returns a salted one-way hash of a client IP, used as the anonymous voter key.
func HashIP(ip, salt string) string {
	h := hmac.New(sha256.New, []byte(salt))
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
