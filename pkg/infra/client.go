package infra

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/GwanWingYan/fabric-protos-go/orderer"
	"github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/cenkalti/backoff/v4"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	MAX_TRY = 3

	dialTimeout    = 5 * time.Second
	maxMessageSize = 100 * 1024 * 1024
)

// TransportCredentials builds TLS credentials from the node's certificates,
// or plaintext credentials when no CA certificate is configured
func TransportCredentials(node Node) (credentials.TransportCredentials, error) {
	if node.TLSCACertByte == nil {
		return insecure.NewCredentials(), nil
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(node.TLSCACertByte) {
		return nil, errors.Errorf("no certificate found in %s", node.TLSCACert)
	}
	conf := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}

	// mutual TLS
	if len(node.TLSCAKey) > 0 && len(node.TLSCARoot) > 0 {
		cert, err := tls.X509KeyPair(node.TLSCACertByte, node.TLSCAKeyByte)
		if err != nil {
			return nil, errors.Wrapf(err, "error loading client key pair for %s", node.Address)
		}
		conf.Certificates = []tls.Certificate{cert}
		if node.TLSCARootByte != nil && !roots.AppendCertsFromPEM(node.TLSCARootByte) {
			return nil, errors.Errorf("no certificate found in %s", node.TLSCARoot)
		}
	}

	return credentials.NewTLS(conf), nil
}

func dialOptions(node Node, logger *log.Logger) ([]grpc.DialOption, error) {
	creds, err := TransportCredentials(node)
	if err != nil {
		return nil, err
	}

	entry := log.NewEntry(logger).WithField("node", node.Address)
	levels := grpc_logrus.WithLevels(func(code codes.Code) log.Level {
		if code == codes.OK {
			return log.DebugLevel
		}
		return log.WarnLevel
	})

	return []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_logrus.UnaryClientInterceptor(entry, levels),
			grpc_retry.UnaryClientInterceptor(
				grpc_retry.WithMax(MAX_TRY),
				grpc_retry.WithCodes(codes.Unavailable),
				grpc_retry.WithBackoff(grpc_retry.BackoffLinear(100*time.Millisecond)),
			),
		)),
		grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
			grpc_logrus.StreamClientInterceptor(entry, levels),
		)),
	}, nil
}

// DialConnection dials node, making up to MAX_TRY attempts of dialTimeout each
func DialConnection(ctx context.Context, node Node, logger *log.Logger) (*grpc.ClientConn, error) {
	opts, err := dialOptions(node, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to %s", node.Address)
	}

	var conn *grpc.ClientConn
	dial := func() error {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		c, err := grpc.DialContext(dctx, node.Address, opts...)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MAX_TRY-1), ctx)
	err = backoff.RetryNotify(dial, policy, func(err error, next time.Duration) {
		logger.Warnf("Fail to dial %s, retrying in %s: %v", node.Address, next, err)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", node.Address)
	}
	return conn, nil
}

func CreateEndorserClient(conn *grpc.ClientConn) peer.EndorserClient {
	return peer.NewEndorserClient(conn)
}

func CreateBroadcastClient(ctx context.Context, conn *grpc.ClientConn) (orderer.AtomicBroadcast_BroadcastClient, error) {
	return orderer.NewAtomicBroadcastClient(conn).Broadcast(ctx)
}

func CreateDeliverFilteredClient(ctx context.Context, conn *grpc.ClientConn) (peer.Deliver_DeliverFilteredClient, error) {
	return peer.NewDeliverClient(conn).DeliverFiltered(ctx)
}
