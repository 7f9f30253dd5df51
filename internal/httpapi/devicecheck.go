package httpapi

import "net/http"

// handleDeviceCheck serves the static diagnostic page. It probes camera,
// microphone, and relay reachability entirely client-side, using the
// diagnostic-token endpoint for a short-lived TURN credential.
func handleDeviceCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(deviceCheckHTML))
}

const deviceCheckHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Device Check</title>
<style>
  body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 2rem auto; padding: 0 1rem; }
  h1 { font-size: 1.4rem; }
  .check { display: flex; align-items: center; gap: .5rem; padding: .5rem 0; border-bottom: 1px solid #eee; }
  .status { font-weight: 600; }
  .ok { color: #0a7d33; }
  .fail { color: #b3261e; }
  .pending { color: #777; }
  video { width: 100%; max-height: 240px; background: #000; border-radius: 6px; margin-top: 1rem; }
</style>
</head>
<body>
<h1>Device Check</h1>
<p>Verifies that this browser can start a call: camera, microphone, and relay connectivity.</p>
<div class="check"><span class="status pending" id="camera-status">&hellip;</span> Camera</div>
<div class="check"><span class="status pending" id="mic-status">&hellip;</span> Microphone</div>
<div class="check"><span class="status pending" id="relay-status">&hellip;</span> Relay (TURN) reachability</div>
<video id="preview" autoplay playsinline muted></video>
<script>
(function () {
  function mark(id, ok, detail) {
    var el = document.getElementById(id);
    el.textContent = ok ? "OK" : "FAIL" + (detail ? " (" + detail + ")" : "");
    el.className = "status " + (ok ? "ok" : "fail");
  }

  async function checkMedia() {
    try {
      var stream = await navigator.mediaDevices.getUserMedia({ video: true, audio: true });
      document.getElementById("preview").srcObject = stream;
      mark("camera-status", stream.getVideoTracks().length > 0);
      mark("mic-status", stream.getAudioTracks().length > 0);
    } catch (err) {
      mark("camera-status", false, err.name);
      mark("mic-status", false, err.name);
    }
  }

  async function checkRelay() {
    try {
      var tokenResp = await fetch("/api/diagnostic-token", { method: "POST" });
      if (!tokenResp.ok) throw new Error("token " + tokenResp.status);
      var tokenBody = await tokenResp.json();

      var credsResp = await fetch("/api/turn-credentials", {
        method: "POST",
        headers: { "X-Turn-Token": tokenBody.token }
      });
      if (!credsResp.ok) throw new Error("credentials " + credsResp.status);
      var creds = await credsResp.json();

      var pc = new RTCPeerConnection({
        iceServers: [{ urls: creds.uris, username: creds.username, credential: creds.password }],
        iceTransportPolicy: "relay"
      });
      pc.createDataChannel("probe");

      var sawRelay = new Promise(function (resolve) {
        var timer = setTimeout(function () { resolve(false); }, 8000);
        pc.onicecandidate = function (ev) {
          if (ev.candidate && /\brelay\b/.test(ev.candidate.candidate)) {
            clearTimeout(timer);
            resolve(true);
          }
        };
      });

      var offer = await pc.createOffer();
      await pc.setLocalDescription(offer);
      mark("relay-status", await sawRelay);
      pc.close();
    } catch (err) {
      mark("relay-status", false, err.message);
    }
  }

  checkMedia();
  checkRelay();
})();
</script>
</body>
</html>
`
