package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/perpexec/pkg/secretstore"
)

// 把 .env 里的交易所凭证写入加密 Badger 凭证库，之后 .env 可以删除。
func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("store", getenv("PERPEXEC_VENUE_SECRET_STORE", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("PERPEXEC_VENUE_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		venue     = flag.String("venue", "binance", "venue name")
		list      = flag.Bool("list", false, "list venues that have stored credentials")
		remove    = flag.Bool("delete", false, "delete credentials of -venue")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set PERPEXEC_VENUE_SECRET_KEY or pass -secret-key"))
	}

	if *list || *remove {
		ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes, ReadOnly: *list && !*remove})
		if err != nil {
			fatal(err)
		}
		defer ss.Close()
		if *remove {
			if err := ss.DeleteCredentials(*venue); err != nil {
				fatal(err)
			}
			fmt.Fprintf(os.Stderr, "已删除 %s 凭证\n", *venue)
			return
		}
		venues, err := ss.Venues()
		if err != nil {
			fatal(err)
		}
		for _, v := range venues {
			fmt.Println(v)
		}
		return
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	apiKey := strings.TrimSpace(kv["PERPEXEC_VENUE_API_KEY"])
	apiSecret := strings.TrimSpace(kv["PERPEXEC_VENUE_API_SECRET"])
	if apiKey == "" || apiSecret == "" {
		fatal(fmt.Errorf("%s 中缺少 PERPEXEC_VENUE_API_KEY / PERPEXEC_VENUE_API_SECRET", *inPath))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.SaveCredentials(*venue, secretstore.Credentials{APIKey: apiKey, APISecret: apiSecret}); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已写入 %s 凭证到 %s\n", *venue, *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
