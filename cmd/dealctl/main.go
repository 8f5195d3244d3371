package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealchain/cmd/internal/passphrase"
	"dealchain/crypto"
	"dealchain/native/deal"
	"dealchain/services/dealgateway"
)

const defaultPassEnv = "DEAL_KEYSTORE_PASS"

type command struct {
	name    string
	summary string
	run     func(args []string, stdin io.Reader, stdout io.Writer) error
}

var commands = []command{
	{"keygen", "generate a key and write it to an encrypted keystore", runKeygen},
	{"address", "print the identity controlled by a keystore", runAddress},
	{"new-id", "print a fresh random deal id", runNewID},
	{"derive", "print the record and custody addresses of a deal", runDerive},
	{"sign", "print the signature headers for a gateway request", runSign},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 1
	}
	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		if err := cmd.run(args[1:], stdin, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	usage(stderr)
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: dealctl <command> [flags]")
	fmt.Fprintln(w)
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.summary)
	}
}

func runKeygen(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*out) == "" {
		return errors.New("-out is required")
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("keystore %s already exists (use -force to overwrite)", *out)
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return nil
}

func runAddress(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	keystore := fs.String("keystore", "", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystore, *passEnv)
	if err != nil {
		return err
	}
	id := key.PubKey().Address().Array()
	fmt.Fprintf(stdout, "%s\n0x%s\n", crypto.FormatIdentity(id), hex.EncodeToString(id[:]))
	return nil
}

func runNewID(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("new-id", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := uuid.New()
	fmt.Fprintln(stdout, hex.EncodeToString(id[:]))
	return nil
}

func runDerive(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	rawID := fs.String("id", "", "Deal id (32 hex characters)")
	client := fs.String("client", "", "Client identity")
	executor := fs.String("executor", "", "Executor identity")
	asset := fs.String("asset", "", "Also print the associated accounts of both parties for this asset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := deal.ParseDealID(*rawID)
	if err != nil {
		return err
	}
	key := deal.Key{ID: id}
	if key.Client, err = crypto.ParseIdentity(*client); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if key.Executor, err = crypto.ParseIdentity(*executor); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	deriver := deal.KeccakDeriver{}
	fmt.Fprintf(stdout, "record           %s\n", crypto.FormatCustody(deriver.RecordAddress(key)))
	for _, role := range []string{deal.RolePrincipal, deal.RoleClientBond, deal.RoleExecutorBond, deal.RoleHolder} {
		fmt.Fprintf(stdout, "%-16s %s\n", strings.TrimPrefix(role, "deal_"), crypto.FormatCustody(deriver.CustodyAddress(key, role)))
	}
	if strings.TrimSpace(*asset) != "" {
		symbol, err := deal.NormalizeAsset(*asset)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%-16s %s\n", "client_account", crypto.FormatCustody(deriver.AssociatedAddress(symbol, key.Client)))
		fmt.Fprintf(stdout, "%-16s %s\n", "executor_account", crypto.FormatCustody(deriver.AssociatedAddress(symbol, key.Executor)))
	}
	return nil
}

func runSign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keystores := fs.String("keystore", "", "Comma separated keystore paths, one per signer")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	method := fs.String("method", "POST", "HTTP method of the request")
	path := fs.String("path", "", "Request path, e.g. /v1/deals")
	bodyPath := fs.String("body", "", "File holding the request body; - reads stdin")
	timestamp := fs.Int64("timestamp", 0, "Unix timestamp to sign (defaults to now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" {
		return errors.New("-path is required")
	}
	var body []byte
	var err error
	switch *bodyPath {
	case "":
	case "-":
		body, err = io.ReadAll(stdin)
	default:
		body, err = os.ReadFile(*bodyPath)
	}
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	ts := *timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	tsHeader := strconv.FormatInt(ts, 10)

	var sigs []string
	for _, ks := range strings.Split(*keystores, ",") {
		key, err := loadKey(ks, *passEnv)
		if err != nil {
			return err
		}
		sig, err := dealgateway.SignRequest(key, *method, *path, tsHeader, body)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}
	fmt.Fprintf(stdout, "%s: %s\n", dealgateway.HeaderTimestamp, tsHeader)
	fmt.Fprintf(stdout, "%s: %s\n", dealgateway.HeaderSignature, strings.Join(sigs, ","))
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("-keystore is required")
	}
	pass, err := passphrase.NewSource(passEnv, path).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}
	return key, nil
}
