package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/formrelay/formrelay/internal/app"
	"github.com/formrelay/formrelay/internal/config"
	"github.com/formrelay/formrelay/internal/security"
	log "github.com/sirupsen/logrus"
)

const usage = `usage: formrelay <command> [flags]

commands:
  serve           run the intake and admin API (default)
  migrate         apply database migrations and exit
  admin-token     print a signed admin token
  hash-password   read a password from stdin and print its bcrypt hash
`

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "path to config.yaml")
	username := fs.String("user", "", "admin-token: username to embed (defaults to auth.admin-user)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	appCfg := config.AppConfig{ConfigPath: *configPath}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "serve":
		err = app.RunServer(ctx, appCfg)
	case "migrate":
		err = app.Migrate(ctx, appCfg)
	case "admin-token":
		var token string
		token, err = app.IssueAdminToken(appCfg, *username)
		if err == nil {
			fmt.Println(token)
		}
	case "hash-password":
		err = hashPassword()
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatalf("formrelay %s failed", command)
	}
}

func hashPassword() error {
	line, errRead := bufio.NewReader(os.Stdin).ReadString('\n')
	if errRead != nil && line == "" {
		return fmt.Errorf("read password: %w", errRead)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return errHash
	}
	fmt.Println(hash)
	return nil
}
