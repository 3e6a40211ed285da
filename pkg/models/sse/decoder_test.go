package sse

import (
	"strings"
	"testing"
)

func TestDecoder_HoldsPartialLine(t *testing.T) {
	var d Decoder

	frames := d.Feed([]byte(`data: {"a":`))
	if len(frames) != 0 {
		t.Fatalf("partial line decoded early: %+v", frames)
	}
	if d.Pending() == 0 {
		t.Fatal("partial line not buffered")
	}

	frames = d.Feed([]byte("1}\n"))
	if len(frames) != 1 || string(frames[0].Data) != `{"a":1}` {
		t.Fatalf("unexpected frames: %+v", frames)
	}
	if d.Pending() != 0 {
		t.Errorf("buffer not drained, %d bytes pending", d.Pending())
	}
}

func TestDecoder_SkipsNoise(t *testing.T) {
	var d Decoder
	input := "\n: keepalive\nevent: message\r\ndata: {\"x\":1}\r\n\r\ndata:\ndata:{\"y\":2}\ndata: [DONE]\n"

	frames := d.Feed([]byte(input))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %+v", len(frames), frames)
	}
	if string(frames[0].Data) != `{"x":1}` || string(frames[1].Data) != `{"y":2}` {
		t.Errorf("unexpected payloads: %q %q", frames[0].Data, frames[1].Data)
	}
	if !frames[2].Done {
		t.Error("expected done sentinel")
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	input := "data: one\ndata: two\n\ndata: [DONE]\n"
	var d Decoder
	var got []string
	for i := 0; i < len(input); i++ {
		for _, f := range d.Feed([]byte{input[i]}) {
			if f.Done {
				got = append(got, "DONE")
			} else {
				got = append(got, string(f.Data))
			}
		}
	}
	if strings.Join(got, ",") != "one,two,DONE" {
		t.Errorf("got %v", got)
	}
}

func TestDecoder_FlushFinalLine(t *testing.T) {
	var d Decoder

	frames := d.Feed([]byte("data: {\"a\":1}\ndata: [DONE]"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame before flush, got %+v", frames)
	}
	frames = d.Flush()
	if len(frames) != 1 || !frames[0].Done {
		t.Fatalf("expected done sentinel from flush, got %+v", frames)
	}
	if d.Pending() != 0 {
		t.Errorf("buffer not drained, %d bytes pending", d.Pending())
	}
	if frames := d.Flush(); len(frames) != 0 {
		t.Errorf("second flush returned %+v", frames)
	}
}
