package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/cashu/nuts/nut04"
	"github.com/tunegate/tunegate/paywall"
	"github.com/tunegate/tunegate/wallet"
	"github.com/tunegate/tunegate/wallet/storage"
	"github.com/urfave/cli/v2"
)

var tgw *wallet.Wallet

func walletConfig() (wallet.Config, error) {
	path := setWalletPath()

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err == nil {
			envPath = filepath.Join(wd, ".env")
		} else {
			envPath = ""
		}
	}
	if len(envPath) > 0 {
		godotenv.Load(envPath)
	}

	db, err := storage.InitBolt(path)
	if err != nil {
		return wallet.Config{}, err
	}

	mintURL := os.Getenv("MINT_URL")
	if mintURL == "" {
		mintURL = "http://127.0.0.1:3338"
	}

	config := wallet.DefaultConfig(mintURL, db)
	if unit := os.Getenv("WALLET_UNIT"); unit != "" {
		config.Unit = unit
	}
	return config, nil
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".tunegate", "wallet")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func paywallURL() string {
	url := os.Getenv("PAYWALL_URL")
	if url == "" {
		url = "http://127.0.0.1:8080"
	}
	return url
}

func setupWallet(ctx *cli.Context) error {
	config, err := walletConfig()
	if err != nil {
		printErr(err)
	}

	tgw, err = wallet.LoadWallet(ctx.Context, config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "tunegate",
		Usage: "ecash wallet for music paywalls",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			pendingCmd,
			decodeCmd,
			infoCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Wallet balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	fmt.Printf("Balance: %v %v\n", tgw.Balance(), tgw.Unit())
	if pending := tgw.PendingBalance(); pending > 0 {
		fmt.Printf("Pending: %v %v (available: %v)\n", pending, tgw.Unit(), tgw.AvailableBalance())
	}
	return nil
}

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request a mint quote. With --redeem, mint the proofs for a paid quote",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "redeem",
			Usage: "quote id to mint against after paying the invoice",
		},
	},
	Action: mintTokens,
}

func mintTokens(ctx *cli.Context) error {
	if quoteId := ctx.String("redeem"); quoteId != "" {
		amount, err := tgw.MintTokens(ctx.Context, quoteId)
		if err != nil {
			printErr(err)
		}
		fmt.Printf("Minted %v %v\n", amount, tgw.Unit())
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	var amount uint64
	if _, err := fmt.Sscanf(args.First(), "%d", &amount); err != nil {
		printErr(fmt.Errorf("invalid amount: %v", args.First()))
	}

	quote, err := tgw.RequestMint(ctx.Context, amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("Pay this invoice to mint %v %v:\n\n%v\n", amount, tgw.Unit(), quote.PaymentRequest)
	if bolt11, err := decodepay.Decodepay(quote.PaymentRequest); err == nil {
		fmt.Printf("\ninvoice amount: %v msat, expires in %v\n",
			bolt11.MSatoshi, time.Duration(bolt11.Expiry)*time.Second)
	}
	fmt.Printf("\nthen run: tunegate mint --redeem %v\n", quote.QuoteId)

	// wait briefly in case the invoice gets paid right away
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(2 * time.Second)
		state, err := tgw.CheckQuoteState(ctx.Context, quote.QuoteId)
		if err != nil {
			continue
		}
		if state == nut04.Paid {
			amount, err := tgw.MintTokens(ctx.Context, quote.QuoteId)
			if err != nil {
				printErr(err)
			}
			fmt.Printf("Minted %v %v\n", amount, tgw.Unit())
			return nil
		}
	}
	return nil
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Create a token for the given amount",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Action:    send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	var amount uint64
	if _, err := fmt.Sscanf(args.First(), "%d", &amount); err != nil {
		printErr(fmt.Errorf("invalid amount: %v", args.First()))
	}

	token, err := tgw.CreateToken(ctx.Context, amount)
	if err != nil {
		printErr(err)
	}
	fmt.Println(token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Redeem a token into the wallet",
	ArgsUsage: "[token]",
	Before:    setupWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a token to receive"))
	}

	amount, err := tgw.Receive(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	fmt.Printf("Received %v %v\n", amount, tgw.Unit())
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay for a track and print its media URL",
	ArgsUsage: "[content-id]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "price",
			Usage: "price in credits; omitted, the server is asked first",
		},
	},
	Action: payForContent,
}

func payForContent(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a content id"))
	}
	contentID := args.First()

	var opts []paywall.Option
	if mnemonic := os.Getenv("WALLET_MNEMONIC"); mnemonic != "" {
		idKey, err := wallet.DeriveIdentityKey(mnemonic)
		if err != nil {
			printErr(err)
		}
		opts = append(opts, paywall.WithIdentity(paywall.NewIdentity(idKey.PrivateKey())))
	}
	client := paywall.NewClient(paywallURL(), opts...)

	price := ctx.Uint64("price")
	if price == 0 {
		// probe: an unauthenticated request returns the price
		_, err := client.Request(ctx.Context, contentID, "")
		var paymentRequired *paywall.PaymentRequiredError
		if !errors.As(err, &paymentRequired) {
			if err != nil {
				printErr(err)
			}
			printErr(errors.New("server did not report a price; pass --price"))
		}
		price = paymentRequired.Required
	}

	resp, err := client.PayForContent(ctx.Context, tgw, contentID, price)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("Paid %v %v\n", price, tgw.Unit())
	if resp.URL != "" {
		fmt.Printf("Media URL: %v\n", resp.URL)
	} else {
		fmt.Printf("Received %v bytes of media\n", len(resp.Blob))
	}
	return nil
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "List in-flight payments awaiting settlement",
	Before: setupWallet,
	Action: listPending,
}

func listPending(ctx *cli.Context) error {
	refs := tgw.PendingReferences()
	if len(refs) == 0 {
		fmt.Println("No pending payments")
		return nil
	}
	for _, ref := range refs {
		fmt.Println(ref)
	}
	return nil
}

var decodeCmd = &cli.Command{
	Name:      "decode",
	Usage:     "Decode a token and print its contents",
	ArgsUsage: "[token]",
	Action:    decode,
}

func decode(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a token to decode"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("mint: %v\n", token.Mint())
	fmt.Printf("unit: %v\n", token.Unit())
	fmt.Printf("amount: %v\n", token.Amount())
	for _, proof := range token.Proofs() {
		fmt.Printf("  %v (keyset %v)\n", proof.Amount, proof.Id)
	}
	return nil
}

var infoCmd = &cli.Command{
	Name:   "info",
	Usage:  "Show information about the configured mint",
	Action: mintInfo,
}

func mintInfo(ctx *cli.Context) error {
	mintURL := os.Getenv("MINT_URL")
	if mintURL == "" {
		mintURL = "http://127.0.0.1:3338"
	}

	client := wallet.NewMintClient(mintURL, 1)
	info, err := client.GetMintInfo(ctx.Context)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("name: %v\n", info.Name)
	fmt.Printf("version: %v\n", info.Version)
	if info.Description != "" {
		fmt.Printf("description: %v\n", info.Description)
	}
	if info.Motd != "" {
		fmt.Printf("motd: %v\n", info.Motd)
	}
	return nil
}

func printErr(err error) {
	if msg := wallet.UserMessage(err); msg != "" && msg != "Something went wrong." {
		fmt.Fprintln(os.Stderr, msg)
	} else {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	os.Exit(1)
}
