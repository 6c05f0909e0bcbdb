package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/betbot/copytrader/pkg/secretstore"
)

// wallet-init 从助记词推导操盘钱包：打印 EOA 地址，私钥可打印
// （-show-key）或写入加密密钥仓库（-save），copybot 启动时自动读取。
// 助记词从标准输入读取，不走命令行参数，避免留在 shell 历史里。
func main() {
	var (
		derivationPath = flag.String("path", "m/44'/60'/0'/0/0", "BIP44 derivation path")
		showKey        = flag.Bool("show-key", false, "print the derived private key to stdout")
		savePath       = flag.String("save", "", "write the private key into the secret store at this path (encryption key from COPYBOT_SECRETSTORE_KEY)")
	)
	flag.Parse()

	fmt.Fprintln(os.Stderr, "请输入助记词（12/15/18/21/24 个单词），输入完成后回车：")
	mnemonic := strings.TrimSpace(readLine())
	if mnemonic == "" {
		fatal(errors.New("mnemonic is empty"))
	}

	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		fatal(fmt.Errorf("invalid mnemonic: %w", err))
	}

	path, err := hdwallet.ParseDerivationPath(*derivationPath)
	if err != nil {
		fatal(fmt.Errorf("invalid derivation path: %w", err))
	}

	acct, err := w.Derive(path, false)
	if err != nil {
		fatal(fmt.Errorf("derive failed: %w", err))
	}

	fmt.Printf("address: %s\n", strings.ToLower(acct.Address.Hex()))
	fmt.Printf("path:    %s\n", *derivationPath)

	if *showKey {
		pk, err := w.PrivateKeyHex(acct)
		if err != nil {
			fatal(fmt.Errorf("private key failed: %w", err))
		}
		fmt.Printf("private: %s\n", pk)
	} else if *savePath == "" {
		fmt.Fprintln(os.Stderr, "私钥未打印（加 -show-key 显示，或 -save 写入密钥仓库）")
	}

	if *savePath != "" {
		pk, err := w.PrivateKeyHex(acct)
		if err != nil {
			fatal(fmt.Errorf("private key failed: %w", err))
		}
		encKey, err := secretstore.ParseKey(os.Getenv("COPYBOT_SECRETSTORE_KEY"))
		if err != nil {
			fatal(fmt.Errorf("invalid COPYBOT_SECRETSTORE_KEY: %w", err))
		}
		if encKey == nil {
			fmt.Fprintln(os.Stderr, "警告：COPYBOT_SECRETSTORE_KEY 未设置，密钥仓库明文落盘")
		}
		store, err := secretstore.Open(secretstore.OpenOptions{Path: *savePath, EncryptionKey: encKey})
		if err != nil {
			fatal(fmt.Errorf("open secret store: %w", err))
		}
		defer store.Close()
		if err := store.SetString("wallet/private_key", pk); err != nil {
			fatal(fmt.Errorf("save private key: %w", err))
		}
		fmt.Fprintf(os.Stderr, "私钥已写入密钥仓库: %s\n", *savePath)
	}
}

func readLine() string {
	br := bufio.NewReader(os.Stdin)
	s, _ := br.ReadString('\n')
	return strings.TrimSpace(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
