package services

import "crypto/rand"

// joinCodeAlphabet excludes visually confusable characters (0/O, 1/I) so
// codes survive being read off a projector and typed on a phone.
const joinCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const joinCodeLength = 6

// maxJoinCodeAttempts bounds the retry-until-unique loop during session
// creation. The code space is 31^6, so hitting the cap means the store is
// rejecting inserts for another reason.
const maxJoinCodeAttempts = 64

// NewJoinCode returns a random human-enterable code. Uniqueness is enforced
// by the store's unique constraint, not here; callers must retry on conflict.
func NewJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, joinCodeLength)
	for i, b := range buf {
		code[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(code), nil
}
