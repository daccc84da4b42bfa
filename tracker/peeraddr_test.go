package tracker

import "testing"

func TestParsePeerAddr(t *testing.T) {
	addr, err := ParsePeerAddr("127.0.0.1:6881")
	if err != nil {
		t.Fatalf("ParsePeerAddr: %v", err)
	}
	want := PeerAddr{IP: [4]byte{127, 0, 0, 1}, Port: 6881}
	if addr != want {
		t.Errorf("addr = %+v, want %+v", addr, want)
	}
	if addr.String() != "127.0.0.1:6881" {
		t.Errorf("String() = %q", addr.String())
	}
}

func TestParsePeerAddrInvalid(t *testing.T) {
	cases := []string{"127.0.0.1", "1.2.3:80", "1.2.3.4.5:80", "1.2.3.256:80", "1.2.3.4:notaport"}
	for _, c := range cases {
		if _, err := ParsePeerAddr(c); err == nil {
			t.Errorf("ParsePeerAddr(%q) = nil error, want error", c)
		}
	}
}

func TestPeerAddrFromBytes(t *testing.T) {
	b := []byte{192, 168, 1, 1, 0x1A, 0xE1} // port 6881
	addr, err := PeerAddrFromBytes(b)
	if err != nil {
		t.Fatalf("PeerAddrFromBytes: %v", err)
	}
	want := PeerAddr{IP: [4]byte{192, 168, 1, 1}, Port: 6881}
	if addr != want {
		t.Errorf("addr = %+v, want %+v", addr, want)
	}
}

func TestPeerAddrFromBytesWrongLength(t *testing.T) {
	if _, err := PeerAddrFromBytes([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected error for short byte slice")
	}
}
