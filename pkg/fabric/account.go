// Package fabric encodes and decodes Hyperledger Fabric 2.2 proposals,
// transactions and blocks for the relay pipeline.
package fabric

import (
	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/pkg/errors"
)

// AccountType is the type tag of accounts this package can sign with
const AccountType = "Fabric2.2"

// SigningIdentity signs messages and serializes the creator
type SigningIdentity interface {
	Sign(msg []byte) ([]byte, error)
	Serialize() ([]byte, error)
}

// Account binds a name to a signing identity
type Account struct {
	name     string
	identity SigningIdentity
}

// NewAccount returns an Account signing with identity
func NewAccount(name string, identity SigningIdentity) *Account {
	return &Account{name: name, identity: identity}
}

func (a *Account) Name() string { return a.name }

func (a *Account) Type() string { return AccountType }

func (a *Account) Sign(msg []byte) ([]byte, error) {
	return a.identity.Sign(msg)
}

func (a *Account) Serialize() ([]byte, error) {
	return a.identity.Serialize()
}

func signerOf(account types.Account) (SigningIdentity, error) {
	if account == nil {
		return nil, errors.New("account is nil")
	}
	signer, ok := account.(SigningIdentity)
	if !ok {
		return nil, errors.Errorf("account %s of type %s cannot sign", account.Name(), account.Type())
	}
	return signer, nil
}
