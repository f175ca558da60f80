package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"bitbucket.org/skillbridge/backend/api"
	_ "bitbucket.org/skillbridge/backend/docs"
	"bitbucket.org/skillbridge/backend/fees"
	"bitbucket.org/skillbridge/backend/server"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// @title SkillBridge backend API
// @version 0.1
// @description Escrow payments for the SkillBridge marketplace.

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @BasePath /
// @schemes http https

// @securityDefinitions.apiKey ApiKeyAuth
// @in header
// @name Authorization

func main() {
	_ = godotenv.Load("dev.env")

	app := cli.NewApp()
	app.Name = "SkillBridge backend"
	app.Usage = "escrow payments for the SkillBridge marketplace"
	app.Version = "0.1"
	app.Compiled = time.Now()
	app.Commands = []cli.Command{
		{
			Name:  "backend-up",
			Usage: "This command starts the backend service",
			Action: func(c *cli.Context) error {
				StartServer(api.GetRoutes())
				return nil
			},
		},
		{
			Name:  "migrate",
			Usage: "Creates the tables of the configured database",
			Action: func(c *cli.Context) error {
				ctx := server.GetAppContext()
				ctx.CreateSQLConnection()
				defer ctx.Close()

				if err := ctx.Migrate(context.Background()); err != nil {
					return err
				}
				logrus.Info("database is up to date")
				return nil
			},
		},
		{
			Name:      "fees",
			Usage:     "Prints the fee breakdown of an amount in cents",
			ArgsUsage: "<amount in cents>",
			Flags: []cli.Flag{
				cli.Int64Flag{Name: "processing-bp", Value: fees.DefaultRates.ProcessingBasisPoints, Usage: "processing fee in basis points"},
				cli.Int64Flag{Name: "processing-fixed", Value: fees.DefaultRates.ProcessingFixed, Usage: "fixed processing fee in cents"},
				cli.Int64Flag{Name: "platform-bp", Value: fees.DefaultRates.PlatformBasisPoints, Usage: "platform fee in basis points"},
			},
			Action: func(c *cli.Context) error {
				var amount int64
				if _, err := fmt.Sscan(c.Args().First(), &amount); err != nil {
					return errors.Errorf("amount must be an integer number of cents, got %q", c.Args().First())
				}
				rates := fees.Rates{
					ProcessingBasisPoints: c.Int64("processing-bp"),
					ProcessingFixed:       c.Int64("processing-fixed"),
					PlatformBasisPoints:   c.Int64("platform-bp"),
				}
				breakdown, err := rates.Calculate(amount)
				if err != nil {
					return err
				}
				fmt.Printf("total:          %10.2f\n", fees.ToMajor(breakdown.Total))
				fmt.Printf("processing fee: %10.2f\n", fees.ToMajor(breakdown.ProcessingFee))
				fmt.Printf("platform fee:   %10.2f\n", fees.ToMajor(breakdown.PlatformFee))
				fmt.Printf("net to payee:   %10.2f\n", fees.ToMajor(breakdown.NetAmount))
				return nil
			},
		},
		{
			Name:  "reconcile",
			Usage: "Accepts the proposals of held payments left behind by a partial failure",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "limit", Value: 100, Usage: "held payments to inspect"},
			},
			Action: func(c *cli.Context) error {
				ctx := server.GetAppContext()
				ctx.CreateSQLConnection()
				ctx.CreateEventPublisher()
				ctx.CreateServices()
				defer ctx.Close()

				completed, err := ctx.Context.Proposals.Reconcile(context.Background(), c.Int("limit"))
				for _, id := range completed {
					logrus.WithField("payment_id", id).Info("acceptance completed")
				}
				if err != nil {
					return err
				}
				logrus.WithField("completed", len(completed)).Info("reconcile finished")
				return nil
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func StartServer(routes []*server.Route) {
	ctx := server.GetAppContext()
	ctx.CreateSQLConnection()
	ctx.CreateRedisConnection()
	ctx.CreateSMTPConnection()
	ctx.CreateNewSessionS3()
	ctx.CreateSupabaseClient()
	ctx.CreateEventPublisher()
	ctx.CreateServices()

	server.UpServer(routes, ctx)
}
