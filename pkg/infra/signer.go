package infra

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"io/ioutil"
	"math/big"

	"github.com/pkg/errors"
)

type CryptoConfig struct {
	MSPID    string
	PrivKey  string
	SignCert string
}

type ecdsaSignature struct {
	R, S *big.Int
}

// Crypto is the client identity: an MSP serialized certificate and the
// ECDSA key it signs with
type Crypto struct {
	Creator  []byte
	PrivKey  *ecdsa.PrivateKey
	SignCert *x509.Certificate
}

// Sign signs the SHA-256 digest of message. Fabric rejects high-S
// signatures, so S is always normalized to the lower half of the order.
func (s *Crypto) Sign(message []byte) ([]byte, error) {
	ri, si, err := ecdsa.Sign(rand.Reader, s.PrivKey, digest(message))
	if err != nil {
		return nil, err
	}

	si, err = toLowS(&s.PrivKey.PublicKey, si)
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(ecdsaSignature{ri, si})
}

func (s *Crypto) Serialize() ([]byte, error) {
	return s.Creator, nil
}

func digest(in []byte) []byte {
	h := sha256.New()
	h.Write(in)
	return h.Sum(nil)
}

func toLowS(key *ecdsa.PublicKey, sig *big.Int) (*big.Int, error) {
	halfOrder, ok := curveHalfOrders[key.Curve]
	if !ok {
		return nil, errors.Errorf("curve %s not recognized", key.Curve.Params().Name)
	}
	if sig.Cmp(halfOrder) == 1 {
		sig.Sub(key.Params().N, sig)
	}
	return sig, nil
}

var curveHalfOrders = map[elliptic.Curve]*big.Int{
	elliptic.P224(): new(big.Int).Rsh(elliptic.P224().Params().N, 1),
	elliptic.P256(): new(big.Int).Rsh(elliptic.P256().Params().N, 1),
	elliptic.P384(): new(big.Int).Rsh(elliptic.P384().Params().N, 1),
	elliptic.P521(): new(big.Int).Rsh(elliptic.P521().Params().N, 1),
}

// GetPrivateKey reads a PEM encoded ECDSA key, in PKCS#8 or SEC 1 form
func GetPrivateKey(f string) (*ecdsa.PrivateKey, error) {
	in, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, errors.Errorf("no PEM data in %s", f)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("%s holds a %T, expecting an ECDSA key", f, key)
		}
		return ecKey, nil
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parse private key %s", f)
	}
	return key, nil
}

// GetCertificate reads a PEM certificate. The raw PEM is returned as well
// since the MSP identity carries it verbatim.
func GetCertificate(f string) (*x509.Certificate, []byte, error) {
	in, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, nil, err
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, nil, errors.Errorf("no PEM data in %s", f)
	}

	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parse certificate %s", f)
	}
	return c, in, nil
}
