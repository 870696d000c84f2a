package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/auctioneer"
	"github.com/textileio/rfq-auction/cmd/auctiond/message"
	"github.com/textileio/rfq-auction/cmd/auctiond/ratelimit"
	"github.com/textileio/rfq-auction/cmd/auctiond/service"
	"github.com/textileio/rfq-auction/cmd/auctiond/sigs"
	cmdcommon "github.com/textileio/rfq-auction/cmd/common"
	daemon "github.com/textileio/rfq-auction/common"
)

var (
	daemonName = "auctiond"
	log        = golog.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []cmdcommon.Flag{
		{Name: "listen-addr", DefValue: ":3001", Description: "HTTP listen address"},
		{Name: "auction-path", DefValue: "/auction", Description: "Websocket path of the auction endpoint"},
		{Name: "auction-enabled", DefValue: true, Description: "Serve the auction endpoint"},
		{Name: "rate-limit-window", DefValue: ratelimit.DefaultWindow, Description: "Rate limit window per connection"},
		{Name: "rate-limit-max", DefValue: ratelimit.DefaultMax, Description: "Messages allowed per rate limit window"},
		{Name: "max-payload-bytes", DefValue: message.DefaultMaxPayload, Description: "Maximum inbound frame size"},
		{Name: "auction-ttl", DefValue: auction.DefaultTTL, Description: "Auction lifetime when none is requested"},
		{Name: "auction-max-ttl", DefValue: auction.MaxTTL, Description: "Maximum auction lifetime"},
		{Name: "sweep-interval", DefValue: auctioneer.DefaultSweepInterval, Description: "Expired auctions sweep interval"},
		{Name: "signing-domain", DefValue: "auction.local", Description: "Domain bound into signed messages"},
		{Name: "signing-uri", DefValue: "https://auction.local", Description: "URI bound into signed messages"},
		{Name: "signature-max-age", DefValue: sigs.DefaultMaxAge, Description: "Maximum age of taker signatures"},
		{Name: "vault-operators", DefValue: "", Description: "Addresses allowed to publish vault quotes", Repeatable: true},
		{Name: "shutdown-timeout", DefValue: service.DefaultShutdownTimeout, Description: "Graceful shutdown timeout"},
		{Name: "cors-origins", DefValue: "*", Description: "Allowed CORS origins", Repeatable: true},
		{Name: "sentry-enabled", DefValue: false, Description: "Report errors to Sentry"},
		{Name: "sentry-dsn", DefValue: "", Description: "Sentry DSN"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	cobra.OnInitialize(func() {
		// A missing .env file is fine; env vars and flags still apply.
		_ = godotenv.Load()
	})

	cmdcommon.ConfigureCLI(v, "AUCTION", flags, rootCmd.Flags())
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "auctiond runs signature-authenticated RFQ auctions over websockets",
	Long:  "auctiond runs signature-authenticated RFQ auctions over websockets",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		cmdcommon.ExpandEnvVars(v, v.AllSettings())
		err := cmdcommon.ConfigureLogging(v, []string{
			daemonName,
			"auctiond/sigs",
			"auctioneer",
			"auctioneer/registry",
			"wsserver",
			"service",
		})
		cmdcommon.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(v.AllSettings(), "", "  ")
		cmdcommon.CheckErrf("marshaling config: %v", err)
		log.Infof("loaded config: %s", string(settings))

		if v.GetBool("sentry-enabled") {
			err := sentry.Init(sentry.ClientOptions{
				Dsn:        v.GetString("sentry-dsn"),
				ServerName: daemonName,
			})
			cmdcommon.CheckErrf("initializing sentry: %v", err)
		}

		metricsHandler, err := daemon.SetupInstrumentation()
		cmdcommon.CheckErrf("booting instrumentation: %v", err)

		operators, err := parseOperators(cmdcommon.ParseStringSlice(v, "vault-operators"))
		cmdcommon.CheckErrf("parsing vault operators: %v", err)

		config := service.Config{
			ListenAddr:      v.GetString("listen-addr"),
			AuctionPath:     v.GetString("auction-path"),
			AuctionEnabled:  v.GetBool("auction-enabled"),
			RateLimitWindow: v.GetDuration("rate-limit-window"),
			RateLimitMax:    v.GetInt("rate-limit-max"),
			MaxPayloadBytes: v.GetInt("max-payload-bytes"),
			Auction: auctioneer.AuctionConfig{
				DefaultTTL:    v.GetDuration("auction-ttl"),
				MaxTTL:        v.GetDuration("auction-max-ttl"),
				SweepInterval: v.GetDuration("sweep-interval"),
			},
			Signing: sigs.Config{
				Domain:    v.GetString("signing-domain"),
				URI:       v.GetString("signing-uri"),
				MaxAge:    v.GetDuration("signature-max-age"),
				Operators: operators,
			},
			CORSOrigins:     cmdcommon.ParseStringSlice(v, "cors-origins"),
			ShutdownTimeout: v.GetDuration("shutdown-timeout"),
			Metrics:         metricsHandler,
		}
		serv, err := service.New(config)
		cmdcommon.CheckErrf("creating service: %v", err)
		serv.Start()

		cmdcommon.HandleInterrupt(func() {
			if err := serv.Close(); err != nil {
				log.Errorf("closing service: %v", err)
			}
			if v.GetBool("sentry-enabled") {
				sentry.Flush(time.Second * 2)
			}
		})
	},
}

func parseOperators(vals []string) ([]common.Address, error) {
	operators := make([]common.Address, 0, len(vals))
	for _, val := range vals {
		if !common.IsHexAddress(val) {
			return nil, fmt.Errorf("invalid operator address %q", val)
		}
		operators = append(operators, common.HexToAddress(strings.TrimSpace(val)))
	}
	return operators, nil
}

func main() {
	cmdcommon.CheckErr(rootCmd.Execute())
}
