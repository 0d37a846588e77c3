package ingest

import (
	"fmt"
	"strconv"
)

// VideoEncodeArgs is the encoder chain that yields the router's H264 profile.
func VideoEncodeArgs() []string {
	return []string{
		"-an",
		"-vf", "scale=1280:-2,fps=30",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-keyint_min", "60",
		"-b:v", "1500k",
		"-maxrate", "1500k",
		"-bufsize", "3000k",
	}
}

func audioEncodeArgs() []string {
	return []string{
		"-vn",
		"-ac", "2",
		"-ar", "48000",
		"-c:a", "libopus",
		"-b:a", "48k",
	}
}

// InputArgs reads RTP described by an SDP file with low latency settings.
func InputArgs(sdpPath string) []string {
	return []string{
		"-loglevel", "info",
		"-protocol_whitelist", "file,udp,rtp",
		"-analyzeduration", "2000000",
		"-probesize", "2000000",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", sdpPath,
	}
}

// OutputArgs writes RTP with a fixed payload type and SSRC to a loopback port.
func OutputArgs(pt uint8, ssrc uint32, port int) []string {
	return []string{
		"-f", "rtp",
		"-payload_type", strconv.Itoa(int(pt)),
		"-ssrc", strconv.FormatUint(uint64(ssrc), 10),
		fmt.Sprintf("rtp://127.0.0.1:%d?pkt_size=1200", port),
	}
}

func transcodeArgs(sdpPath string, encode []string, pt uint8, ssrc uint32, port int) []string {
	args := InputArgs(sdpPath)
	args = append(args, encode...)
	return append(args, OutputArgs(pt, ssrc, port)...)
}
