package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

/*
Trellis node identities are based on elliptic curve cryptography. We use the
secp256k1 curve via btcsuite's golang implementation.
*/

//Parameters of the secp256k1 curve. They are used in other functions to verify
//that a private key is valid.
var (
	secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
)

//Curve returns the elliptic.Curve underlying all Trellis keys.
func Curve() elliptic.Curve {
	return btcec.S256() //secp256k1
}
