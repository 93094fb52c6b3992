package common

import (
	"encoding/hex"
	"fmt"
)

// EncodeToString returns the uppercase hex representation of hexBytes with a
// 0X prefix. Node identities are rendered this way throughout.
func EncodeToString(hexBytes []byte) string {
	return fmt.Sprintf("0X%X", hexBytes)
}

// DecodeFromString converts a string produced by EncodeToString back to
// bytes. The 0X prefix is required; the digits may be either case.
func DecodeFromString(hexString string) ([]byte, error) {
	if len(hexString) < 2 || (hexString[:2] != "0X" && hexString[:2] != "0x") {
		return nil, fmt.Errorf("hex string %q lacks the 0X prefix", hexString)
	}
	return hex.DecodeString(hexString[2:])
}
