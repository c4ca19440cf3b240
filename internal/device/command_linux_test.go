package device

import "testing"

func TestParseALSAListing(t *testing.T) {
	out := `**** List of CAPTURE Hardware Devices ****
card 0: PCH [HDA Intel PCH], device 0: ALC3246 Analog [ALC3246 Analog]
  Subdevices: 1/1
  Subdevice #0: subdevice #0
card 2: sndrpihifiberry [snd_rpi_hifiberry_dacplusadc], device 0: HiFiBerry DAC+ADC HiFi multicodec-0 []
`
	spec := listSpec{pattern: alsaCardPattern, parse: parseALSACard, input: true}
	got := parseDeviceList(out, spec)
	if len(got) != 2 {
		t.Fatalf("parsed %d devices, want 2: %v", len(got), got)
	}
	if got[0][0] != "plughw:CARD=PCH,DEV=0" {
		t.Errorf("id = %q", got[0][0])
	}
	if got[1][1] != "snd_rpi_hifiberry_dacplusadc (device 0)" {
		t.Errorf("name = %q", got[1][1])
	}
}

func TestALSAArgs(t *testing.T) {
	args := alsaArgs("default", StreamConfig{SampleRate: 44100, Channels: 1})
	want := []string{"-D", "default", "-f", "S16_LE", "-r", "44100", "-c", "1", "-t", "raw", "-q", "-"}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}
