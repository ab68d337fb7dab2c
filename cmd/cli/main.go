// Command atomsctl is a CLI client for the collaboration service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/atoms-tech/atoms-collab/internal/api"
	"github.com/atoms-tech/atoms-collab/internal/service"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id,omitempty"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "atoms")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "atoms")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (run `atomsctl token` first)")
	}
	return tf, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type conn struct {
	addr, caPath      string
	skipVerify, plain bool
	token             string
	clientID          string
}

func (c conn) dial() (*grpc.ClientConn, *api.Client, error) {
	var creds credentials.TransportCredentials
	if c.plain {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(c.caPath, c.skipVerify); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if c.token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: c.token, secure: !c.plain}))
	}
	cc, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, api.NewClient(cc), nil
}

// outgoing tags the context with the session's client id.
func (c conn) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "x-client-id", c.clientID)
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printStruct(s *structpb.Struct) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fail(err)
	}
	fmt.Println(string(b))
}

func usage() {
	fmt.Fprintf(os.Stderr, `atomsctl CLI
Usage:
  atomsctl -addr HOST:PORT [-cacert file | -insecure | -plaintext] [-client id] <cmd> [args]

Commands:
  version
  token     -jwt-key <key> [-user <uuid>] -name <display name> [-ttl 12h]   (dev; saves token)
  join      -doc <id>
  leave     -doc <id>
  lock      -doc <id> -id <entity> -type block|column|requirement
  refresh   -doc <id> -id <entity>
  unlock    -doc <id> -id <entity>
  locks     -doc <id>
  presence  -doc <id>
  cursor    -doc <id> [-block <id>] [-row <id> -col <id>] [-x N -y N]
  preview   -doc <id> -block <id> -row <id> -col <id> -value <json>
  list      -table <t> -parent <uuid> [-deleted]
  create    -doc <id> -table <t> -parent <uuid> [-pos N] -data <json|@file|->
  update    -doc <id> -table <t> -parent <uuid> -id <uuid> -data <json|@file|->
  set       -doc <id> -parent <block uuid> -id <requirement uuid> -prop <name> -value <json>
  rm        -doc <id> -table <t> -parent <uuid> -id <uuid>
  reorder   -doc <id> -table <t> -parent <uuid> -ids <uuid,uuid,...>
  watch     -table <t> -parent <uuid>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plain := flag.Bool("plaintext", false, "no TLS (dev servers started without -tls-cert)")
	clientID := flag.String("client", "", "session id; reuse it so that leave matches an earlier join")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "version":
		fmt.Printf("atomsctl %s (%s)\n", version, buildDate)
		return
	case "token":
		cmdToken(args)
		return
	}

	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	if *clientID == "" {
		*clientID = "cli-" + ulid.Make().String()
	}
	c := conn{
		addr: *addr, caPath: *caPath, skipVerify: *skipVerify, plain: *plain,
		token: tf.AccessToken, clientID: *clientID,
	}

	if cmd == "watch" {
		cmdWatch(c, args)
		return
	}

	method, req, err := buildRequest(cmd, args)
	if err != nil {
		if errors.Is(err, errUnknownCommand) {
			usage()
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	cc, cli, err := c.dial()
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	out, err := cli.Call(c.outgoing(ctx), method, req)
	if err != nil {
		fail(err)
	}
	printStruct(out)
}

// cmdToken signs a token locally with the server's key. Intended for
// development setups where no identity provider issues tokens.
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	key := fs.String("jwt-key", os.Getenv("ATOMS_JWT_KEY"), "HS256 key shared with the server")
	user := fs.String("user", "", "user id (uuid, optional)")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	_ = fs.Parse(args)
	if *key == "" {
		fmt.Fprintln(os.Stderr, "need -jwt-key")
		os.Exit(2)
	}
	autoUUID(user)
	id, err := u.FromString(*user)
	if err != nil {
		fail(fmt.Errorf("bad -user: %w", err))
	}
	toks, err := service.NewTokenService([]byte(*key), *ttl).Issue(id, *name)
	if err != nil {
		fail(err)
	}
	if err := saveToken(tokenFile{AccessToken: toks.AccessToken, ExpiresAt: toks.ExpiresAt, UserID: id.String()}); err != nil {
		fail(err)
	}
	printJSON(map[string]any{"user_id": id.String(), "expires_at": toks.ExpiresAt.Format(time.RFC3339)})
}

// cmdWatch prints change events until interrupted.
func cmdWatch(c conn, args []string) {
	req, err := watchRequest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cc, cli, err := c.dial()
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	stream, err := cli.Watch(c.outgoing(ctx), req)
	if err != nil {
		fail(err)
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fail(err)
		}
		b, _ := protojson.Marshal(ev)
		fmt.Println(string(b))
	}
}

// ---- helpers ----

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
	os.Exit(1)
}
