package torrent

import (
	"crypto/rand"
	"log"
)

// Azureus-style client prefix: FK, version 0.0.1.0.
const CLIENT_PREFIX = "-FK0010-"

var PEER_ID = GeneratePeerID()

// GeneratePeerID returns a 20-byte peer id: the fixed client prefix followed
// by random bytes. A fresh id per process is fine; trackers and peers only
// need it to be stable for one session.
func GeneratePeerID() []byte {
	id := make([]byte, 20)
	copy(id, []byte(CLIENT_PREFIX))
	if _, err := rand.Read(id[len(CLIENT_PREFIX):]); err != nil {
		log.Fatalln(err)
	}
	return id
}
