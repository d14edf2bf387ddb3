package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bigbag/stm32-canflash/internal/image"
)

func testImage(n int) *image.Image {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i + 1)
	}
	return &image.Image{Base: DefaultFlashBase, Data: data}
}

func mustBuild(t *testing.T, img *image.Image) Plan {
	t.Helper()
	plan, err := Build(img)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return plan
}

func TestBuild_EightByteImage(t *testing.T) {
	plan := mustBuild(t, testImage(8))

	if len(plan) != 16 {
		t.Fatalf("Build() length = %d, want 16", len(plan))
	}

	counts := []struct {
		phase Phase
		dir   Direction
		want  int
	}{
		{PhaseConnect, Send, 1},
		{PhaseConnect, Receive, 1},
		{PhaseErase, Send, 1},
		{PhaseErase, Receive, 2},
		{PhaseProgram, Send, 2},
		{PhaseProgram, Receive, 3},
		{PhaseVerify, Send, 1},
		{PhaseVerify, Receive, 3},
		{PhaseJump, Send, 1},
		{PhaseJump, Receive, 1},
	}
	for _, c := range counts {
		if got := plan.Count(c.phase, c.dir); got != c.want {
			t.Errorf("Count(%s, %d) = %d, want %d", c.phase, c.dir, got, c.want)
		}
	}
}

func TestBuild_Connect(t *testing.T) {
	plan := mustBuild(t, testImage(8))

	tx, rx := plan[0], plan[1]
	if tx.Dir != Send || tx.ID != CmdConnect || len(tx.Data) != 0 {
		t.Errorf("connect tx = %v, want TX 079 [0]", tx)
	}
	if rx.Dir != Receive || rx.ID != CmdConnect || !bytes.Equal(rx.Data, []byte{Ack}) {
		t.Errorf("connect rx = %v, want RX 079 [1] 79", rx)
	}
	if rx.Timeout != ShortTimeout || rx.Retry != RetryFromPriorSend {
		t.Errorf("connect rx timeout/retry = %s/%s, want %s/%s", rx.Timeout, rx.Retry, ShortTimeout, RetryFromPriorSend)
	}
	if rx.Message != "Error connecting to bootloader" {
		t.Errorf("connect rx message = %q", rx.Message)
	}
}

func TestBuild_Erase(t *testing.T) {
	plan := mustBuild(t, testImage(8))

	if tx := plan[2]; tx.ID != CmdErase || !bytes.Equal(tx.Data, []byte{0xFF}) {
		t.Errorf("erase tx = %v, want TX 043 [1] FF", tx)
	}
	for _, i := range []int{3, 4} {
		rx := plan[i]
		if rx.Dir != Receive || rx.ID != CmdErase || rx.Timeout != LongTimeout || rx.Retry != RetryFromPriorSend {
			t.Errorf("erase rx[%d] = %v", i, rx)
		}
	}
}

func TestBuild_ProgramAndVerifyEightBytes(t *testing.T) {
	img := testImage(8)
	plan := mustBuild(t, img)

	program := plan[5:10]
	if program[0].ID != CmdWrite || !bytes.Equal(program[0].Data, []byte{0x08, 0x00, 0x00, 0x00, 0x07}) {
		t.Errorf("program header = %v, want TX 031 [5] 08 00 00 00 07", program[0])
	}
	if program[1].Dir != Receive || program[1].Retry != RetryFromPriorSend {
		t.Errorf("program header ack = %v", program[1])
	}
	if program[2].Dir != Send || program[2].ID != CmdData || !bytes.Equal(program[2].Data, img.Data) {
		t.Errorf("program data = %v, want TX 004 [8] %X", program[2], img.Data)
	}
	for _, s := range program[3:] {
		if s.Dir != Receive || s.ID != CmdWrite || s.Retry != Fatal || !bytes.Equal(s.Data, []byte{Ack}) {
			t.Errorf("program ack = %v, want fatal RX 031 [1] 79", s)
		}
	}

	verify := plan[10:14]
	if verify[0].ID != CmdRead || !bytes.Equal(verify[0].Data, []byte{0x08, 0x00, 0x00, 0x00, 0x07}) {
		t.Errorf("verify header = %v, want TX 011 [5] 08 00 00 00 07", verify[0])
	}
	if verify[1].Retry != RetryFromPriorSend {
		t.Errorf("verify header ack retry = %s, want %s", verify[1].Retry, RetryFromPriorSend)
	}
	echo := verify[2]
	if echo.Dir != Receive || echo.ID != CmdRead || echo.Retry != Fatal {
		t.Errorf("verify echo = %v", echo)
	}
	if !bytes.Equal(echo.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("verify echo data = %X, want 0102030405060708", echo.Data)
	}
	if verify[3].Retry != Fatal || !bytes.Equal(verify[3].Data, []byte{Ack}) {
		t.Errorf("verify completion = %v", verify[3])
	}
}

func TestBuild_Jump(t *testing.T) {
	plan := mustBuild(t, testImage(8))

	tx, rx := plan[14], plan[15]
	if tx.ID != CmdGo || !bytes.Equal(tx.Data, []byte{0x08, 0x00, 0x00, 0x00}) {
		t.Errorf("jump tx = %v", tx)
	}
	if rx.ID != CmdGo || rx.Timeout != ShortTimeout || rx.Retry != RetryFromPriorSend || rx.Message != "Starting the program" {
		t.Errorf("jump rx = %v (%q)", rx, rx.Message)
	}
}

func TestBuild_Length(t *testing.T) {
	tests := []struct {
		size int
	}{
		{0}, {8}, {256}, {264}, {512}, {1024 + 16},
	}

	for _, tc := range tests {
		plan := mustBuild(t, testImage(tc.size))
		chunks := (tc.size + ChunkSize - 1) / ChunkSize
		subs := tc.size / SubChunkSize
		want := 7 + 6*chunks + 3*subs
		if len(plan) != want {
			t.Errorf("Build(%d bytes) length = %d, want %d", tc.size, len(plan), want)
		}
	}
}

func TestBuild_ChunkAddresses(t *testing.T) {
	plan := mustBuild(t, testImage(264))

	var headers [][]byte
	for _, s := range plan {
		if s.Dir == Send && s.ID == CmdWrite {
			headers = append(headers, s.Data)
		}
	}
	expected := [][]byte{
		{0x08, 0x00, 0x00, 0x00, 0xFF},
		{0x08, 0x00, 0x01, 0x00, 0x07},
	}
	if len(headers) != len(expected) {
		t.Fatalf("write headers = %d, want %d", len(headers), len(expected))
	}
	for i := range expected {
		if !bytes.Equal(headers[i], expected[i]) {
			t.Errorf("write header[%d] = %X, want %X", i, headers[i], expected[i])
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	a := mustBuild(t, testImage(520))
	b := mustBuild(t, testImage(520))
	if len(a) != len(b) {
		t.Fatalf("Build() lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].String() != b[i].String() || a[i].Message != b[i].Message {
			t.Errorf("step %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestBuild_Invariants(t *testing.T) {
	plan := mustBuild(t, testImage(600))
	for i, s := range plan {
		if s.Dir == Send {
			if len(s.Data) > MaxPayload {
				t.Errorf("step %d payload %d bytes, max %d", i, len(s.Data), MaxPayload)
			}
			continue
		}
		if s.Timeout <= 0 {
			t.Errorf("step %d timeout = %s, want > 0", i, s.Timeout)
		}
		if s.Retry == RetryFromPriorSend && plan.PriorSend(i) < 0 {
			t.Errorf("step %d retries without a prior send", i)
		}
	}
}

func TestBuild_Unaligned(t *testing.T) {
	img := &image.Image{Base: DefaultFlashBase, Data: make([]byte, 5)}
	if _, err := Build(img); err == nil {
		t.Error("Build() with unaligned image should fail")
	}
}

func TestBuild_AddressOverflow(t *testing.T) {
	img := &image.Image{Base: 0xFFFFFFF8, Data: make([]byte, 16)}
	if _, err := Build(img); err == nil {
		t.Error("Build() past 4 GiB should fail")
	}
}

func TestPlan_PriorSend(t *testing.T) {
	plan := mustBuild(t, testImage(8))
	tests := []struct {
		index    int
		expected int
	}{
		{0, -1},
		{1, 0},
		{3, 2},
		{4, 2},
		{6, 5},
	}
	for _, tc := range tests {
		if got := plan.PriorSend(tc.index); got != tc.expected {
			t.Errorf("PriorSend(%d) = %d, want %d", tc.index, got, tc.expected)
		}
	}
}

func TestStep_Matches(t *testing.T) {
	s := Step{Dir: Receive, ID: CmdRead, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}

	if !s.Matches(CmdRead, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Error("Matches() with identical frame = false, want true")
	}
	if s.Matches(CmdWrite, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Error("Matches() with wrong id = true, want false")
	}
	for i := 0; i < 8; i++ {
		data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		data[i] ^= 0x01
		if s.Matches(CmdRead, data) {
			t.Errorf("Matches() with byte %d changed = true, want false", i)
		}
	}
	if s.Matches(CmdRead, []byte{1, 2, 3, 4, 5, 6, 7}) {
		t.Error("Matches() with shorter payload = true, want false")
	}
	if s.Matches(CmdRead, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Error("Matches() with longer payload = true, want false")
	}

	tx := Step{Dir: Send, ID: CmdRead, Data: []byte{1}}
	if tx.Matches(CmdRead, []byte{1}) {
		t.Error("Matches() on a Send step = true, want false")
	}
}

func TestStep_String(t *testing.T) {
	plan := mustBuild(t, testImage(8))

	if got := plan[5].String(); got != "TX 031 [5] 08 00 00 00 07" {
		t.Errorf("String() = %q", got)
	}
	if got := plan[1].String(); !strings.HasPrefix(got, "RX 079 [1] 79 timeout=100ms retry=prior-send") {
		t.Errorf("String() = %q", got)
	}
}
