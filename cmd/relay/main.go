package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/client"
	"github.com/GwanWingYan/fabric-relay/pkg/infra"
	"github.com/GwanWingYan/fabric-relay/pkg/metrics"
	"github.com/GwanWingYan/fabric-relay/pkg/operations"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	logLevelEnv = "RELAY_LOGLEVEL"
)

var (
	logger  *log.Logger
	config  *infra.Config
	fullCmd string
)

var (
	app = kingpin.New("relay", "A verifying transaction relay for Hyperledger Fabric")

	configFile = app.Flag("config", "Path to config file").Short('c').String()

	run        = app.Command("run", "Connect and serve the operations endpoint").Default()
	invoke     = app.Command("invoke", "Submit one transaction and verify its block")
	query      = app.Command("query", "Evaluate one transaction without ordering it")
	tx         = app.Command("tx", "Fetch a committed transaction and prove it is on its block")
	height     = app.Command("height", "Show the newest block number of the channel")
	version    = app.Command("version", "Show version information")
	invokeRes  = invoke.Arg("resource", "Resource name").Required().String()
	invokeTxn  = invoke.Arg("txn", "Method followed by its args").Required().Strings()
	queryRes   = query.Arg("resource", "Resource name").Required().String()
	queryTxn   = query.Arg("txn", "Method followed by its args").Required().Strings()
	txID       = tx.Arg("txid", "Transaction id").Required().String()
	txBlock    = tx.Arg("block", "Block the transaction claims to be on").Required().Int64()
	listenAddr = run.Flag("listen", "Operations listen address, overrides the config file").String()
)

func newLogger() *log.Logger {
	logger = log.New()
	logger.SetLevel(log.InfoLevel)
	if value, ok := os.LookupEnv(logLevelEnv); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
	return logger
}

func loadConfig() (*infra.Config, error) {
	if *configFile == "" {
		return nil, errors.New("required flag --config not provided")
	}
	config = &infra.Config{}
	if err := infra.LoadConfigFile(config, *configFile); err != nil {
		return nil, errors.WithMessage(err, "load config error")
	}
	return config, nil
}

func serve(ctx context.Context, m *metrics.Metrics) error {
	network, err := infra.Connect(ctx, config, logger, m)
	if err != nil {
		return err
	}
	defer network.Close()

	addr := config.Operations
	if *listenAddr != "" {
		addr = *listenAddr
	}
	if addr == "" {
		return errors.New("no operations listen address, set operations in the config or --listen")
	}
	system := operations.NewSystem(operations.Options{
		ListenAddress: addr,
		Logger:        logger,
		Resources:     network.Gateway,
		Height:        network.Ledger,
		Latency:       network.TimeKeepers,
		Version:       infra.GetVersionInfo(),
	})
	if err := system.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Infof("Shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return system.Stop(stopCtx)
}

func oneShot(ctx context.Context) error {
	network, err := infra.Connect(ctx, config, logger, nil)
	if err != nil {
		return err
	}
	defer network.Close()

	switch fullCmd {
	case invoke.FullCommand():
		response, err := client.RunSingleCmd(ctx, network, client.Invoke, *invokeRes, *invokeTxn, logger)
		if err != nil {
			return err
		}
		fmt.Printf("%s committed on block %d: %v\n", response.Hash, response.BlockNumber, response.Result)
	case query.FullCommand():
		response, err := client.RunSingleCmd(ctx, network, client.Query, *queryRes, *queryTxn, logger)
		if err != nil {
			return err
		}
		fmt.Println(response.Result)
	case tx.FullCommand():
		verified, err := client.LookupTransaction(ctx, network, *txID, *txBlock, logger)
		if err != nil {
			return err
		}
		fmt.Printf("%s on block %d: %s %s -> %v\n", verified.TxID, verified.BlockNumber,
			verified.ResourceName, verified.Request, verified.Response.Result)
	case height.FullCommand():
		number, err := client.Height(ctx, network)
		if err != nil {
			return err
		}
		fmt.Println(strconv.FormatInt(number, 10))
	default:
		return errors.Errorf("invalid command: %s", fullCmd)
	}
	return nil
}

func main() {
	var err error

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = newLogger()

	if fullCmd == version.FullCommand() {
		fmt.Print(infra.GetVersionInfo())
		os.Exit(0)
	}

	if _, err = loadConfig(); err != nil {
		logger.Errorln(err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch fullCmd {
	case run.FullCommand():
		err = serve(ctx, metrics.NewPrometheus())
	default:
		err = oneShot(ctx)
	}

	if err != nil {
		logger.Errorln(err)
		stop()
		os.Exit(1)
	}
}
