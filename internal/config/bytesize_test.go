package config

import (
	"reflect"
	"testing"

	"github.com/mitchellh/mapstructure"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "104857600", want: 104857600},
		{in: "512B", want: 512},
		{in: "4k", want: 4096},
		{in: "4KiB", want: 4096},
		{in: "4KB", want: 4000},
		{in: "100MiB", want: 100 << 20},
		{in: "100 MB", want: 100_000_000},
		{in: "1G", want: 1 << 30},
		{in: "2GB", want: 2_000_000_000},
		{in: " 8M ", want: 8 << 20},
		{in: "", wantErr: true},
		{in: "MiB", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1.5G", wantErr: true},
		{in: "10TB", wantErr: true},
		{in: "99999999999999999999", wantErr: true},
		{in: "9999999999999G", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %d got %d", tt.want, got)
			}
		})
	}
}

// TestStringToByteSize covers the DecodeHook behavior for various inputs.
func TestStringToByteSize(t *testing.T) {
	tests := []struct {
		name      string
		toType    reflect.Type
		input     interface{}
		expectVal interface{}
		expectErr bool
	}{
		{name: "binary unit", toType: reflect.TypeOf(ByteSize(0)), input: "2MiB", expectVal: 2 * MiB},
		{name: "plain bytes", toType: reflect.TypeOf(ByteSize(0)), input: "42", expectVal: ByteSize(42)},
		{name: "bad unit", toType: reflect.TypeOf(ByteSize(0)), input: "2XB", expectErr: true},
		{name: "not this type", toType: reflect.TypeOf(0), input: "something_else", expectVal: "something_else"},
		{name: "non string source", toType: reflect.TypeOf(ByteSize(0)), input: int64(7), expectVal: int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fromVal := reflect.ValueOf(tt.input)
			toVal := reflect.New(tt.toType).Elem()
			got, err := mapstructure.DecodeHookExec(StringToByteSize(), fromVal, toVal)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error, got nil (value=%v)", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expectVal) {
				t.Errorf("expected %v (%T), got %v (%T)", tt.expectVal, tt.expectVal, got, got)
			}
		})
	}
}

func TestByteSizeString(t *testing.T) {
	cases := map[ByteSize]string{
		0:             "0B",
		512:           "512B",
		KiB:           "1KiB",
		1536:          "1536B",
		100 * MiB:     "100MiB",
		2 * GiB:       "2GiB",
		GiB + 512*MiB: "1536MiB",
		MB:            "1000000B",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", int64(in), got, want)
		}
	}
}
