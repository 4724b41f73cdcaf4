package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/uhyunpark/youstock/pkg/app/core/transaction"
	"github.com/uhyunpark/youstock/pkg/crypto"
)

// sign-request builds, signs and verifies one EIP-712 request and prints the
// JSON body for POST /api/v1/transactions.
//
//	sign-request -type fund -key 0x... -amount 1000000 -payment 0x<transfer hash>
//	sign-request -type create_order -give 0x57.. -get native -amount 10000 -price-num 2 -price-den 1
//	sign-request -type execute_order -key 0x... -order 1 -amount 5000
func main() {
	var (
		keyHex   = flag.String("key", "", "private key hex (a new key is generated when empty)")
		txType   = flag.String("type", "create_order", "fund|deposit|redeem|create_order|cancel_order|execute_order")
		assetArg = flag.String("asset", "native", "asset for deposit and redeem")
		giveArg  = flag.String("give", "0x5700000000000000000000000000000000000001", "asset the maker gives")
		getArg   = flag.String("get", "native", "asset the maker wants")
		amount   = flag.String("amount", "10000", "amount in base units")
		priceNum = flag.String("price-num", "2", "get units per priceDen give units")
		priceDen = flag.String("price-den", "1", "price denominator")
		orderID  = flag.Uint64("order", 1, "order id for cancel and execute")
		payment  = flag.String("payment", "", "hash of the native transfer into custody, for fund")
		nonce    = flag.Uint64("nonce", 0, "request nonce (defaults to the current unix milliseconds)")
		chainID  = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		name     = flag.String("name", "YouStock", "EIP-712 domain name")
		apiURL   = flag.String("api", "http://localhost:8080", "node API base URL")
	)
	flag.Parse()

	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fail("key", err)
	}
	fmt.Printf("Address: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	// Step 2: Build action
	if *nonce == 0 {
		*nonce = crypto.NextNonce()
	}
	action := &crypto.Action{
		Owner: signer.Address(),
		Nonce: new(big.Int).SetUint64(*nonce),
	}
	switch transaction.TxType(*txType) {
	case transaction.TxTypeFund:
		action.Type = crypto.ActionFund
		action.Amount = number("amount", *amount)
		action.Payment = hash("payment", *payment)
	case transaction.TxTypeDeposit:
		action.Type = crypto.ActionDeposit
		action.Asset = address("asset", *assetArg)
	case transaction.TxTypeRedeem:
		action.Type = crypto.ActionRedeem
		action.Asset = address("asset", *assetArg)
		action.Amount = number("amount", *amount)
	case transaction.TxTypeCreateOrder:
		action.Type = crypto.ActionCreateOrder
		action.Give = address("give", *giveArg)
		action.Get = address("get", *getArg)
		action.Amount = number("amount", *amount)
		action.PriceNum = number("price-num", *priceNum)
		action.PriceDen = number("price-den", *priceDen)
	case transaction.TxTypeCancelOrder:
		action.Type = crypto.ActionCancelOrder
		action.OrderID = new(big.Int).SetUint64(*orderID)
	case transaction.TxTypeExecuteOrder:
		action.Type = crypto.ActionExecuteOrder
		action.OrderID = new(big.Int).SetUint64(*orderID)
		action.Amount = number("amount", *amount)
	default:
		fail("type", fmt.Errorf("unknown request type %q", *txType))
	}

	domain := crypto.DefaultDomain()
	domain.Name = *name
	domain.ChainID = big.NewInt(*chainID)
	eip712Signer := crypto.NewEIP712Signer(domain)

	typed, err := eip712Signer.ToJSON(action)
	if err != nil {
		fail("typed data", err)
	}
	fmt.Println("Typed Data (eth_signTypedData_v4):")
	fmt.Println(typed)
	fmt.Println()

	// Step 3: Sign with EIP-712
	signature, err := eip712Signer.Sign(signer, action)
	if err != nil {
		fail("sign", err)
	}
	fmt.Printf("Signature: 0x%x\n\n", signature)

	// Step 4: Create signed transaction
	signedTx, err := transaction.FromEIP712Action(action, signature)
	if err != nil {
		fail("build", err)
	}
	txJSON, err := json.MarshalIndent(signedTx, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	fmt.Println("Signed Transaction (JSON):")
	fmt.Println(string(txJSON))
	fmt.Println()

	// Step 5: Verify signature the way the node does
	fmt.Println("Verifying signature...")
	req, err := transaction.NewVerifier(domain).Verify(signedTx)
	if err != nil {
		fmt.Printf("✗ Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Signature VALID")
	fmt.Printf("  Signer: %s\n", req.Owner.Hex())
	fmt.Printf("  Nonce: %d\n\n", req.Nonce)

	// Step 6: Show how to submit to API
	fmt.Println("To submit this request:")
	fmt.Printf("  POST %s/api/v1/transactions\n", *apiURL)
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body: the signed transaction above")
}

// address accepts a hex address or "native"
func address(flagName, s string) common.Address {
	if s == "native" || s == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		fail(flagName, fmt.Errorf("invalid address %q", s))
	}
	return common.HexToAddress(s)
}

func hash(flagName, s string) common.Hash {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		fail(flagName, fmt.Errorf("invalid transaction hash %q", s))
	}
	return common.BytesToHash(b)
}

func number(flagName, s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		fail(flagName, fmt.Errorf("invalid number %q", s))
	}
	return n
}

func fail(what string, err error) {
	fmt.Printf("Error (%s): %v\n", what, err)
	os.Exit(1)
}
