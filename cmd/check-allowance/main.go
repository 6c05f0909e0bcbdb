package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/betbot/copytrader/clob/signing"
	"github.com/betbot/copytrader/pkg/config"
)

const erc20ABIJSON = `[
  {"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// check-allowance 下单前体检：查询操盘钱包的 USDC 余额与对
// CTF Exchange 的 allowance。allowance 不足会触发交易所的永久拒单。
func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		walletAddr = flag.String("wallet", "", "查询地址（默认从私钥推导）")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fatal(fmt.Errorf("加载配置失败: %w", err))
		}
		cfg = loaded
	} else {
		cfg.ApplyEnvOverrides()
	}

	owner := strings.TrimSpace(*walletAddr)
	if owner == "" {
		if cfg.Wallet.FunderAddress != "" {
			owner = cfg.Wallet.FunderAddress
		} else {
			pk, err := signing.PrivateKeyFromHex(cfg.Wallet.PrivateKey)
			if err != nil {
				fatal(fmt.Errorf("需要 -wallet 或 COPYBOT_PRIVATE_KEY: %w", err))
			}
			owner = signing.AddressFromPrivateKey(pk).Hex()
		}
	}
	if !config.IsValidEthereumAddress(owner) {
		fatal(fmt.Errorf("无效地址: %s", owner))
	}

	eth, err := ethclient.Dial(cfg.Venue.RPCURL)
	if err != nil {
		fatal(fmt.Errorf("连接RPC节点失败: %w", err))
	}
	defer eth.Close()

	erc20, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		fatal(fmt.Errorf("解析ERC20 ABI失败: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	usdc := common.HexToAddress(cfg.Venue.USDCContract)
	exchange := common.HexToAddress(cfg.Venue.ExchangeAddr)
	ownerAddr := common.HexToAddress(owner)

	balance, err := callUint256(ctx, eth, erc20, usdc, "balanceOf", ownerAddr)
	if err != nil {
		fatal(fmt.Errorf("查询余额失败: %w", err))
	}
	allowance, err := callUint256(ctx, eth, erc20, usdc, "allowance", ownerAddr, exchange)
	if err != nil {
		fatal(fmt.Errorf("查询allowance失败: %w", err))
	}

	fmt.Printf("wallet:    %s\n", strings.ToLower(owner))
	fmt.Printf("usdc:      %s USDC\n", formatUSDC(balance))
	fmt.Printf("allowance: %s USDC (spender: CTF Exchange %s)\n", formatUSDC(allowance), exchange.Hex())

	if allowance.Sign() == 0 {
		fmt.Println("status:    NOT READY (allowance 为 0，需先 approve)")
		os.Exit(2)
	}
	if allowance.Cmp(balance) < 0 {
		fmt.Println("status:    PARTIAL (allowance 小于余额)")
		return
	}
	fmt.Println("status:    READY")
}

func callUint256(ctx context.Context, eth *ethclient.Client, erc20 abi.ABI, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := erc20.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("意外的返回类型: %T", vals[0])
	}
	return v, nil
}

// formatUSDC 1e6 精度转十进制字符串
func formatUSDC(raw *big.Int) string {
	whole := new(big.Int).Div(raw, big.NewInt(1_000_000))
	frac := new(big.Int).Mod(raw, big.NewInt(1_000_000))
	return fmt.Sprintf("%s.%06d", whole.String(), frac)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
