package rpc

import "encoding/json"

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

type Block struct {
	Number        string `json:"number"`
	Hash          string `json:"hash"`
	BaseFeePerGas string `json:"baseFeePerGas"`
	Timestamp     string `json:"timestamp"`
}

type TransactionReceipt struct {
	TransactionHash   string `json:"transactionHash"`
	BlockNumber       string `json:"blockNumber"`
	TransactionIndex  string `json:"transactionIndex"`
	Status            string `json:"status"`
	From              string `json:"from"`
	To                string `json:"to"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	Logs              []*Log `json:"logs"`
}

type Log struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex string   `json:"logIndex"`
	Removed  bool     `json:"removed"`
}

// CallMsg is the argument shape for eth_estimateGas / eth_call.
type CallMsg struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
}
