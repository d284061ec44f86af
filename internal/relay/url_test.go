package relay

import "testing"

func TestComposeEgressURLPlainRTMP(t *testing.T) {
	url, isRTMPS := ComposeEgressURL("rtmp://live.twitch.tv/app", "X")
	if isRTMPS {
		t.Fatal("rtmp:// destination should not be flagged RTMPS")
	}
	if url != "rtmp://live.twitch.tv/app/X" {
		t.Fatalf("got %q", url)
	}
}

func TestComposeEgressURLRTMPSWithTrailingApp(t *testing.T) {
	url, isRTMPS := ComposeEgressURL("rtmps://fa723.global-contribute.live-video.net/app", "sk_abc")
	if !isRTMPS {
		t.Fatal("rtmps:// destination should be flagged RTMPS")
	}
	want := "rtmps://fa723.global-contribute.live-video.net/app/sk_abc"
	if url != want {
		t.Fatalf("got %q, want %q", url, want)
	}
}

func TestComposeEgressURLRTMPSWithTrailingAppSlash(t *testing.T) {
	url, _ := ComposeEgressURL("rtmps://example.com/app/", "key1")
	want := "rtmps://example.com/app/key1"
	if url != want {
		t.Fatalf("got %q, want %q", url, want)
	}
}

func TestComposeEgressURLRTMPSWithoutApp(t *testing.T) {
	url, isRTMPS := ComposeEgressURL("rtmps://fa723.global-contribute.live-video.net", "sk_abc")
	if !isRTMPS {
		t.Fatal("expected RTMPS")
	}
	want := "rtmps://fa723.global-contribute.live-video.net/app/sk_abc"
	if url != want {
		t.Fatalf("got %q, want %q", url, want)
	}
}

func TestBuildArgsIncludesProtocolWhitelistForRTMPS(t *testing.T) {
	args := buildArgs(spawnOpts{
		inputURL:  "rtmp://loopback:1935/live/obs",
		outputURL: "rtmps://fa723.global-contribute.live-video.net/app/sk_abc",
		isRTMPS:   true,
	})
	found := false
	for i, a := range args {
		if a == "-protocol_whitelist" && i+1 < len(args) && args[i+1] == "rtmp,rtmps,file,http,https,tcp,tls" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected protocol whitelist flag in argv, got %v", args)
	}
	if args[len(args)-1] != "rtmps://fa723.global-contribute.live-video.net/app/sk_abc" {
		t.Fatalf("expected output URL as last arg, got %v", args)
	}
}

func TestBuildArgsOmitsWhitelistForPlainRTMP(t *testing.T) {
	args := buildArgs(spawnOpts{
		inputURL:  "rtmp://loopback:1935/live/obs",
		outputURL: "rtmp://live.twitch.tv/app/X",
		isRTMPS:   false,
	})
	for _, a := range args {
		if a == "-protocol_whitelist" {
			t.Fatal("did not expect protocol whitelist flag for plain rtmp destination")
		}
	}
}
