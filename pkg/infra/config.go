package infra

import (
	"io/ioutil"
	"time"

	"github.com/GwanWingYan/fabric-protos-go/msp"
	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	DefaultCorePoolSize  = 200
	DefaultMaxPoolSize   = 500
	DefaultQueueSize     = 5000
	DefaultOrderTimeout  = 5000  // ms
	DefaultVerifyTimeout = 60000 // ms

	DefaultHeaderCacheLifeWindow = 600 // s
	DefaultHeaderCacheMaxSizeMB  = 64

	// EnvPrefix prefixes the environment variables that override the file
	EnvPrefix = "RELAY"
)

var (
	noSuchItemError = errors.New("No such item")
)

type Config struct {
	// Network
	Endorsers []Node `yaml:"endorsers"` // peers
	Committer Node   `yaml:"committer"` // the peer chosen to observe blocks from
	Orderer   Node   `yaml:"orderer"`   // orderer
	Channel   string `yaml:"channel"`   // name of the channel to be operated on

	// Anchor is the peer block headers are read from to verify commits. It
	// must not be the committer, the orderer or an endorser unless
	// SharedAnchor is set, in which case it defaults to the committer.
	Anchor       Node `yaml:"anchor"`
	SharedAnchor bool `yaml:"sharedAnchor"`

	// Client identity
	MSPID      string `yaml:"mspid"`      // the MSP the client belongs
	PrivateKey string `yaml:"privateKey"` // client's private key
	SignCert   string `yaml:"signCert"`   // client's certificate

	// Chaincodes served by the gateway
	Resources []ResourceConfig `yaml:"resources"`

	Pool          PoolConfig        `yaml:"pool"`
	OrderTimeout  int               `yaml:"orderTimeout"`  // ms
	VerifyTimeout int               `yaml:"verifyTimeout"` // ms
	HeaderCache   HeaderCacheConfig `yaml:"headerCache"`

	// Listen address of the operations endpoint, empty to disable it
	Operations string `yaml:"operations"`
}

type Node struct {
	Address       string `yaml:"address"`
	TLSCACert     string `yaml:"tlsCACert"`
	TLSCAKey      string `yaml:"tlsCAKey"`
	TLSCARoot     string `yaml:"tlsCARoot"`
	TLSCACertByte []byte
	TLSCAKeyByte  []byte
	TLSCARootByte []byte
}

// ResourceConfig names a chaincode on the channel. Chaincode defaults to the
// resource name, Endorsers to every endorser.
type ResourceConfig struct {
	Name      string   `yaml:"name"`
	Chaincode string   `yaml:"chaincode"`
	Endorsers []string `yaml:"endorsers"` // endorser addresses
}

type PoolConfig struct {
	CoreSize  int `yaml:"coreSize"`
	MaxSize   int `yaml:"maxSize"`
	QueueSize int `yaml:"queueSize"`
}

type HeaderCacheConfig struct {
	Disabled   bool `yaml:"disabled"`
	LifeWindow int  `yaml:"lifeWindow"` // s
	MaxSizeMB  int  `yaml:"maxSizeMB"`
}

// LoadConfigFromFile reads a YAML config, applies RELAY_* overrides and
// fills in defaults
func LoadConfigFromFile(f string) (Config, error) {
	config := Config{}
	if err := LoadConfigFile(&config, f); err != nil {
		return Config{}, err
	}
	return config, nil
}

func LoadConfigFile(config *Config, f string) error {
	raw, err := ioutil.ReadFile(f)
	if err != nil {
		return errors.Wrapf(err, "error loading %s", f)
	}
	err = yaml.Unmarshal(raw, config)
	if err != nil {
		return errors.Wrapf(err, "error unmarshal %s", f)
	}

	config.applyEnv()
	config.applyDefaults()
	if err = config.validate(); err != nil {
		return errors.WithMessagef(err, "invalid config %s", f)
	}

	for i := range config.Endorsers {
		err = config.Endorsers[i].loadConfig()
		if err != nil {
			return err
		}
	}

	err = config.Committer.loadConfig()
	if err != nil {
		return err
	}

	err = config.Orderer.loadConfig()
	if err != nil {
		return err
	}

	err = config.Anchor.loadConfig()
	if err != nil {
		return err
	}

	return nil
}

// applyEnv overrides scalar settings with RELAY_<KEY> variables, e.g.
// RELAY_CHANNEL or RELAY_ORDERTIMEOUT
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	texts := map[string]*string{
		"channel":    &c.Channel,
		"mspid":      &c.MSPID,
		"privatekey": &c.PrivateKey,
		"signcert":   &c.SignCert,
		"operations": &c.Operations,
	}
	for key, field := range texts {
		if v.IsSet(key) {
			*field = v.GetString(key)
		}
	}

	ints := map[string]*int{
		"ordertimeout":  &c.OrderTimeout,
		"verifytimeout": &c.VerifyTimeout,
	}
	for key, field := range ints {
		if v.IsSet(key) {
			*field = v.GetInt(key)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Pool.CoreSize <= 0 {
		c.Pool.CoreSize = DefaultCorePoolSize
	}
	if c.Pool.MaxSize <= 0 {
		c.Pool.MaxSize = DefaultMaxPoolSize
	}
	if c.Pool.QueueSize <= 0 {
		c.Pool.QueueSize = DefaultQueueSize
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = DefaultOrderTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.HeaderCache.LifeWindow <= 0 {
		c.HeaderCache.LifeWindow = DefaultHeaderCacheLifeWindow
	}
	if c.HeaderCache.MaxSizeMB <= 0 {
		c.HeaderCache.MaxSizeMB = DefaultHeaderCacheMaxSizeMB
	}
	if c.SharedAnchor && c.Anchor.Address == "" {
		c.Anchor = c.Committer
	}
}

func (c *Config) validate() error {
	if c.Channel == "" {
		return errors.New("channel is required")
	}
	if c.Pool.MaxSize < c.Pool.CoreSize {
		return errors.Errorf("pool maxSize %d is below coreSize %d", c.Pool.MaxSize, c.Pool.CoreSize)
	}
	if err := c.validateAnchor(); err != nil {
		return err
	}

	known := make(map[string]bool, len(c.Endorsers))
	for _, e := range c.Endorsers {
		known[e.Address] = true
	}
	seen := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if r.Name == "" {
			return errors.New("resource without a name")
		}
		if seen[r.Name] {
			return errors.Errorf("duplicate resource %s", r.Name)
		}
		seen[r.Name] = true
		for _, addr := range r.Endorsers {
			if !known[addr] {
				return errors.Errorf("resource %s names unknown endorser %s", r.Name, addr)
			}
		}
	}
	return nil
}

func (c *Config) validateAnchor() error {
	if c.Anchor.Address == "" {
		return errors.New("anchor is required, set sharedAnchor to read headers from the committer")
	}
	if c.SharedAnchor {
		return nil
	}
	if c.Anchor.Address == c.Committer.Address {
		return errors.Errorf("anchor %s is also the committer, set sharedAnchor to allow it", c.Anchor.Address)
	}
	if c.Anchor.Address == c.Orderer.Address {
		return errors.Errorf("anchor %s is also the orderer, set sharedAnchor to allow it", c.Anchor.Address)
	}
	for _, e := range c.Endorsers {
		if c.Anchor.Address == e.Address {
			return errors.Errorf("anchor %s is also an endorser, set sharedAnchor to allow it", c.Anchor.Address)
		}
	}
	return nil
}

func (c Config) OrderTimeoutDuration() time.Duration {
	return time.Duration(c.OrderTimeout) * time.Millisecond
}

func (c Config) VerifyTimeoutDuration() time.Duration {
	return time.Duration(c.VerifyTimeout) * time.Millisecond
}

// LoadCrypto loads the client specified in the configuration file
func (c Config) LoadCrypto() (*Crypto, error) {
	cc := CryptoConfig{
		MSPID:    c.MSPID,
		PrivKey:  c.PrivateKey,
		SignCert: c.SignCert,
	}

	priv, err := GetPrivateKey(cc.PrivKey)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading priv key")
	}

	cert, certBytes, err := GetCertificate(cc.SignCert)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading certificate")
	}

	id := &msp.SerializedIdentity{
		Mspid:   cc.MSPID,
		IdBytes: certBytes,
	}

	name, err := proto.Marshal(id)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting msp id")
	}

	return &Crypto{
		Creator:  name,
		PrivKey:  priv,
		SignCert: cert,
	}, nil
}

func GetTLSCACerts(file string) ([]byte, error) {
	if len(file) == 0 {
		return nil, noSuchItemError
	}

	in, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading %s", file)
	}

	return in, nil
}

func (n *Node) loadConfig() error {
	certByte, err := GetTLSCACerts(n.TLSCACert)
	if err != nil && err != noSuchItemError {
		return errors.Wrapf(err, "fail to load TLS CA Cert %s", n.TLSCACert)
	}

	keyByte, err := GetTLSCACerts(n.TLSCAKey)
	if err != nil && err != noSuchItemError {
		return errors.Wrapf(err, "fail to load TLS CA Key %s", n.TLSCAKey)
	}

	rootByte, err := GetTLSCACerts(n.TLSCARoot)
	if err != nil && err != noSuchItemError {
		return errors.Wrapf(err, "fail to load TLS CA Root %s", n.TLSCARoot)
	}

	n.TLSCACertByte = certByte
	n.TLSCAKeyByte = keyByte
	n.TLSCARootByte = rootByte

	return nil
}
