package utils

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// GenID returns a server-assigned message id.
func GenID() string {
	return uuid.NewString()
}

// GenTempID returns a client-side placeholder id of the form
// temp-<unixnano>-<random>. Placeholder ids are swapped for server ids
// on confirmation and must never be persisted.
func GenTempID() string {
	return fmt.Sprintf("temp-%d-%06d", time.Now().UTC().UnixNano(), rand.Intn(1000000))
}
