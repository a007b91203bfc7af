package config

import (
	"errors"
	"flag"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DBUrl       string
	TokenSecret string
	TokenTTL    time.Duration
	Debug       bool
	SeedFile    string
	AdminUser   string
	AdminPass   string
}

func ParseFlags() (cfg Config, err error) {
	var host string
	flag.StringVar(&host, "host", "0.0.0.0", "listen host name (default 0.0.0.0)")
	var port uint
	flag.UintVar(&port, "port", 80, "listen port number (default 80)")
	flag.StringVar(&cfg.DBUrl, "db-url", "portal.sqlite", "path to SQLite3 DB file (default portal.sqlite)")
	flag.StringVar(&cfg.TokenSecret, "token-secret", "", "secret key for token encryption and decryption")
	var ttl uint
	flag.UintVar(&ttl, "token-ttl", 900, "token TTL in seconds (default 900)")
	flag.BoolVar(&cfg.Debug, "debug", false, "log at DEBUG level")
	flag.StringVar(&cfg.SeedFile, "seed", "", "JSON file with reference clusters/chapters/criteria to load at startup")
	var admin string
	flag.StringVar(&admin, "ensure-admin", "", "username:password of a staff account to create if missing")
	flag.Parse()

	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(int(port)))
	cfg.TokenTTL = time.Duration(ttl) * time.Second

	if admin != "" {
		var ok bool
		cfg.AdminUser, cfg.AdminPass, ok = strings.Cut(admin, ":")
		if !ok || cfg.AdminUser == "" || cfg.AdminPass == "" {
			err = errors.New("malformed parameter -ensure-admin, want username:password")
			return
		}
	}

	if cfg.TokenSecret == "" {
		err = errors.New("missing parameter -token-secret")
	}

	return
}

func (cfg Config) Url() (url string) {
	url = cfg.Addr
	url = regexp.MustCompile(`^0.0.0.0`).ReplaceAllString(url, "localhost")
	url = "http://" + url
	return
}
