package abiitem

import (
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const testABI = `[
  {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"OrderFilled","anonymous":false,"inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"memo","type":"string","indexed":true},
    {"name":"order","type":"tuple","indexed":false,"components":[
      {"name":"buyer","type":"address"},
      {"name":"price","type":"int64"},
      {"name":"terms","type":"tuple","components":[
        {"name":"deadline","type":"uint32"}
      ]}
    ]},
    {"name":"fees","type":"uint8[]","indexed":false}
  ]}
]`

func mustParse(t *testing.T) *ABI {
	t.Helper()

	a, err := ParseJSON([]byte(testABI))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	return a
}

func TestParseJSON_Events(t *testing.T) {
	t.Parallel()

	a := mustParse(t)
	evs := a.Events()
	if len(evs) != 2 || evs[0].Name != "Transfer" || evs[1].Name != "OrderFilled" {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if len(evs[1].Inputs[2].Components) != 3 {
		t.Fatalf("tuple components not parsed: %+v", evs[1].Inputs[2])
	}

	if _, err := ParseJSON([]byte(`{"not":"an array"}`)); !errors.Is(err, ErrInvalidABI) {
		t.Fatalf("expected ErrInvalidABI, got %v", err)
	}
	if _, err := ParseJSON([]byte(`[{"type":"event","name":"X","inputs":[{"name":"a","type":"uint7"}]}]`)); !errors.Is(err, ErrInvalidABI) {
		t.Fatalf("expected ErrInvalidABI for bad type, got %v", err)
	}
}

func TestResolveParameter(t *testing.T) {
	t.Parallel()

	a := mustParse(t)

	p, err := ResolveParameter(a.Items, "OrderFilled", "order.terms.deadline")
	if err != nil {
		t.Fatalf("ResolveParameter: %v", err)
	}
	if p.Input.Type != "uint32" || !reflect.DeepEqual(p.Path, []string{"order", "terms", "deadline"}) {
		t.Fatalf("unexpected parameter: %+v", p)
	}

	p, err = ResolveParameter(a.Items, "Transfer", "from")
	if err != nil || p.Input.Type != "address" {
		t.Fatalf("Transfer.from: %+v %v", p, err)
	}

	cases := []struct {
		event, path string
		want        error
	}{
		{"Approval", "owner", ErrEventNotFound},
		{"transfer", "to", ErrEventNotFound},
		{"Transfer", "amount", ErrParameterNotFound},
		{"Transfer", "from.inner", ErrParameterNotFound},
		{"OrderFilled", "order.seller", ErrParameterNotFound},
		{"OrderFilled", "", ErrParameterNotFound},
	}
	for _, tc := range cases {
		if _, err := ResolveParameter(a.Items, tc.event, tc.path); !errors.Is(err, tc.want) {
			t.Fatalf("%s.%s: expected %v, got %v", tc.event, tc.path, tc.want, err)
		}
	}
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	ev, err := FindEvent(mustParse(t).Items, "OrderFilled")
	if err != nil {
		t.Fatalf("FindEvent: %v", err)
	}
	leaves := Flatten(ev.Inputs)
	var got [][]string
	for _, l := range leaves {
		got = append(got, l.Path)
	}
	want := [][]string{
		{"orderId"},
		{"memo"},
		{"order", "buyer"},
		{"order", "price"},
		{"order", "terms", "deadline"},
		{"fees"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Flatten paths:\n got %v\nwant %v", got, want)
	}
}

func TestDecodeLog_Transfer(t *testing.T) {
	t.Parallel()

	a := mustParse(t)
	topic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	_, ev, err := a.EventByTopic(topic)
	if err != nil {
		t.Fatalf("EventByTopic: %v", err)
	}

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	value, _ := new(big.Int).SetString("123456789012345678901234567890", 10)

	data, err := ev.Inputs.NonIndexed().Pack(value)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	params, err := DecodeLog(ev, types.Log{
		Topics: []common.Hash{topic, common.BytesToHash(from[:]), common.BytesToHash(to[:])},
		Data:   data,
	})
	if err != nil {
		t.Fatalf("DecodeLog: %v", err)
	}
	if len(params) != 3 {
		t.Fatalf("got %d params, want 3", len(params))
	}
	if params[0].Name != "from" || params[0].Value.Kind != TokenAddress || params[0].Value.Address != from {
		t.Fatalf("from: %+v", params[0])
	}
	if params[1].Value.Address != to {
		t.Fatalf("to: %+v", params[1])
	}
	if params[2].Value.Kind != TokenUint || params[2].Value.Int.ToBig().Cmp(value) != 0 {
		t.Fatalf("value: %+v", params[2])
	}
}

func TestDecodeLog_TuplesArraysAndHashedTopics(t *testing.T) {
	t.Parallel()

	a := mustParse(t)
	topic := crypto.Keccak256Hash([]byte("OrderFilled(bytes32,string,(address,int64,(uint32)),uint8[])"))
	_, ev, err := a.EventByTopic(topic)
	if err != nil {
		t.Fatalf("EventByTopic: %v", err)
	}

	buyer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	order := struct {
		Buyer common.Address
		Price int64
		Terms struct {
			Deadline uint32
		}
	}{Buyer: buyer, Price: -5}
	order.Terms.Deadline = 77

	data, err := ev.Inputs.NonIndexed().Pack(order, []uint8{1, 2, 3})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	orderID := common.HexToHash("0xaa")
	memoHash := crypto.Keccak256Hash([]byte("hello"))

	params, err := DecodeLog(ev, types.Log{
		Topics: []common.Hash{topic, orderID, memoHash},
		Data:   data,
	})
	if err != nil {
		t.Fatalf("DecodeLog: %v", err)
	}
	if len(params) != 4 {
		t.Fatalf("got %d params, want 4", len(params))
	}
	if params[0].Value.Kind != TokenFixedBytes || common.BytesToHash(params[0].Value.Bytes) != orderID {
		t.Fatalf("orderId: %+v", params[0].Value)
	}
	if params[1].Value.Kind != TokenFixedBytes || common.BytesToHash(params[1].Value.Bytes) != memoHash {
		t.Fatalf("indexed string must decode to its hash: %+v", params[1].Value)
	}

	tup := params[2].Value
	if tup.Kind != TokenTuple || len(tup.Elems) != 3 {
		t.Fatalf("order: %+v", tup)
	}
	if tup.Elems[0].Address != buyer {
		t.Fatalf("order.buyer: %+v", tup.Elems[0])
	}
	minusFive := new(uint256.Int).Neg(uint256.NewInt(5))
	if tup.Elems[1].Kind != TokenInt || !tup.Elems[1].Int.Eq(minusFive) {
		t.Fatalf("order.price must be two's complement -5: %+v", tup.Elems[1])
	}
	if tup.Elems[2].Kind != TokenTuple || tup.Elems[2].Elems[0].Int.Uint64() != 77 {
		t.Fatalf("order.terms: %+v", tup.Elems[2])
	}

	fees := params[3].Value
	if fees.Kind != TokenArray || len(fees.Elems) != 3 || fees.Elems[2].Int.Uint64() != 3 {
		t.Fatalf("fees: %+v", fees)
	}
}

func TestDecodeLog_RejectsWrongSignature(t *testing.T) {
	t.Parallel()

	a := mustParse(t)
	topic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	_, ev, err := a.EventByTopic(topic)
	if err != nil {
		t.Fatalf("EventByTopic: %v", err)
	}

	if _, err := DecodeLog(ev, types.Log{Topics: []common.Hash{common.HexToHash("0x01")}}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if _, err := DecodeLog(ev, types.Log{Topics: []common.Hash{topic}}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for missing topics, got %v", err)
	}
	if _, _, err := a.EventByTopic(common.HexToHash("0x02")); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestABI_EventByName(t *testing.T) {
	t.Parallel()

	a := mustParse(t)
	ev, err := a.Event("Transfer")
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.ID != crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")) {
		t.Fatalf("unexpected topic %s", ev.ID)
	}
	if _, err := a.Event("Missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestFlatten_TopicHashedInputsStayWhole(t *testing.T) {
	t.Parallel()

	inputs := []Input{
		{Name: "name", Type: "string", Indexed: true},
		{Name: "ids", Type: "uint256[]", Indexed: true},
		{Name: "key", Type: "tuple", Indexed: true, Components: []Input{{Name: "a", Type: "address"}, {Name: "b", Type: "uint8"}}},
		{Name: "body", Type: "tuple", Components: []Input{{Name: "a", Type: "address"}}},
		{Name: "id", Type: "bytes32", Indexed: true},
	}
	var got []string
	for _, l := range Flatten(inputs) {
		p := l.Path[0]
		for _, s := range l.Path[1:] {
			p += "." + s
		}
		if l.Hashed {
			p += "#"
		}
		got = append(got, p)
	}
	want := []string{"name#", "ids#", "key#", "body.a", "id"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Flatten: got %v want %v", got, want)
	}

	p, err := ResolveInput(inputs, "E", "key")
	if err != nil || !p.Hashed {
		t.Fatalf("ResolveInput(key): %+v %v", p, err)
	}
	if _, err := ResolveInput(inputs, "E", "key.a"); !errors.Is(err, ErrParameterNotFound) {
		t.Fatalf("fields of a hashed tuple must not resolve, got %v", err)
	}
}
