package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// upstreamHeader builds the headers forwarded upstream from the local
// client's headers. Host is dropped (the sender sets it from the upstream
// URL), Content-Length is dropped (the transport computes it), open-ended
// ranges are bounded with the video size and compression is disabled.
func upstreamHeader(in http.Header, videoSize int64) http.Header {
	out := make(http.Header, len(in)+1)
	for k, vv := range in {
		switch k {
		case "Host", "Content-Length":
			continue
		case "Range":
			for _, v := range vv {
				out.Add(k, boundRange(v, videoSize))
			}
		default:
			out[k] = append([]string(nil), vv...)
		}
	}
	out.Set("Accept-Encoding", "identity")
	return out
}

// boundRange appends the video size to an open-ended range such as
// "bytes=500-". Some servers answer those with 200 instead of 206.
func boundRange(v string, videoSize int64) string {
	if videoSize <= 0 || !strings.HasSuffix(v, "-") {
		return v
	}
	return v + strconv.FormatInt(videoSize, 10)
}

// writeResponse writes the status line and headers of resp, then streams
// its body in chunks of len(buf) bytes.
func writeResponse(w io.Writer, resp *http.Response, buf []byte) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, statusText(resp))

	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(bw, "%s: %s\r\n", k, strings.Join(resp.Header[k], ", "))
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write response head: %w", err)
	}

	if resp.Body == nil {
		return nil
	}
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write response body: %w", err)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read upstream body: %w", rerr)
		}
	}
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
