package command

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/trellisnet/trellis/src/crypto/keys"
	"github.com/trellisnet/trellis/src/node"
	"github.com/trellisnet/trellis/src/peers"
	"github.com/trellisnet/trellis/src/service"
	"github.com/trellisnet/trellis/src/transport"
)

// NewRunCmd returns the command that starts a trellis node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runTrellis,
	}
	AddRunFlags(cmd)
	return cmd
}

func runTrellis(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	simpleKeyfile := keys.NewSimpleKeyfile(_config.Keyfile())
	key, err := simpleKeyfile.ReadKey()
	if err != nil {
		logger.WithError(err).Error("Cannot read private key")
		return err
	}
	_config.Key = key

	peerStore := peers.NewJSONPeers(_config.DataDir)
	peerSet, err := peerStore.Peers()
	if err != nil {
		logger.WithError(err).Error("Cannot load peers")
		return err
	}

	localID := keys.PublicKeyHex(&key.PublicKey)
	tcp := transport.NewTCPTransport(localID, _config.TCPTimeout)

	n, err := node.NewNode(_config, peerSet, []transport.Transport{tcp})
	if err != nil {
		logger.WithError(err).Error("Cannot initialize node")
		return err
	}

	if err := n.Start("tcp://" + _config.BindAddr); err != nil {
		logger.WithError(err).Error("Cannot start node")
		return err
	}

	n.ConnectToPeers()

	if !_config.NoService {
		apiService := service.NewService(
			_config.ServiceAddr,
			n,
			n.Connector(),
			n.Admin(),
			n.Engine(),
			n.Admin(),
			logger,
		)
		go apiService.Serve()
	}

	// run until interrupted
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	n.Shutdown()

	return nil
}

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Optional file to duplicate log output to")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for trellis node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Duration("heartbeat", _config.HeartbeatInterval, "Time between heartbeats")
	cmd.Flags().Duration("max-retry", _config.MaxRetryFrequency, "Cap on the reconnection backoff")
	cmd.Flags().Int("incoming-capacity", _config.IncomingCapacity, "Shared queue of received messages")
	cmd.Flags().Int("outgoing-capacity", _config.OutgoingCapacity, "Per-connection queue of unsent messages")

	// Agreement
	cmd.Flags().Duration("vote-window", _config.VoteWindow, "How long a proposal may collect votes")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":           _config.DataDir,
		"BindAddr":          _config.BindAddr,
		"ServiceAddr":       _config.ServiceAddr,
		"NoService":         _config.NoService,
		"LogLevel":          _config.LogLevel,
		"Moniker":           _config.Moniker,
		"HeartbeatInterval": _config.HeartbeatInterval,
		"MaxRetryFrequency": _config.MaxRetryFrequency,
		"VoteWindow":        _config.VoteWindow,
		"TCPTimeout":        _config.TCPTimeout,
		"DatabaseDir":       _config.DatabaseDir,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/trellis.toml (.json, .yaml also work)
	viper.SetConfigName("trellis")
	viper.AddConfigPath(_config.DataDir)

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from the config file
	return viper.Unmarshal(_config)
}
