package clients

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// syscallABI is the subset of the Syscall payment contract the relayer uses.
const syscallABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"uint256","name":"paymentId","type":"uint256"},
		{"indexed":true,"internalType":"address","name":"user","type":"address"},
		{"indexed":false,"internalType":"string","name":"name","type":"string"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"quantity","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}
	],"name":"ActionPaid","type":"event"},
	{"inputs":[{"internalType":"uint256","name":"","type":"uint256"}],"name":"isConsumed","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"paymentId","type":"uint256"}],"name":"consumePayment","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"string","name":"","type":"string"}],"name":"services","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"string","name":"serviceName","type":"string"},{"internalType":"uint256","name":"quantity","type":"uint256"}],"name":"pay","outputs":[],"stateMutability":"payable","type":"function"}
]`

const (
	eventActionPaid      = "ActionPaid"
	methodIsConsumed     = "isConsumed"
	methodConsumePayment = "consumePayment"
	methodServices       = "services"
	methodPay            = "pay"
)

// SyscallABI returns the parsed contract ABI.
func SyscallABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(syscallABI))
	if err != nil {
		panic("syscall abi: " + err.Error())
	}
	return parsed
}
