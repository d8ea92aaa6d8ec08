package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	hashids "github.com/speps/go-hashids/v2"
)

// IdGen hands out short opaque connection ids. Ids are the hashids
// encoding of a process-wide counter, so they never repeat within one
// process, and the salt keeps them from being guessable across restarts.
type IdGen struct {
	h   *hashids.HashID
	cnt int64
}

func NewIdGen(salt string) (*IdGen, error) {
	if salt == "" {
		salt = GenUUID()
	}
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	return &IdGen{h: h}, nil
}

func (g *IdGen) Next() string {
	n := atomic.AddInt64(&g.cnt, 1)
	id, err := g.h.EncodeInt64([]int64{n})
	if err != nil {
		panic(err)
	}
	return id
}

// GenRandomString returns a URL-safe, base64 encoded securely generated random
// string.
func GenRandomString(n int) string {
	return base64.RawURLEncoding.EncodeToString(GenRandomBytes(n))
}

// GenRandomBytes returns securely generated random bytes. It panics if the
// system's secure random number generator fails.
func GenRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func JsonWrite(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		panic(err)
	}
}

func GenUUID() string {
	x, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return x.String()
}
