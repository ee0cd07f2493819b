package utils

import "github.com/google/uuid"

// GenerateID generates a new random UUID string, used for node ids,
// message ids and transaction ids throughout the kernel.
func GenerateID() string {
	return uuid.NewString()
}
