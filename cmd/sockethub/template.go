package main

import "html/template"

type templateArgs struct {
	Room string
}

var webTemplate = template.Must(template.New("webTemplate").Parse(`
<html>
<head>
<title>sockethub {{.Room}}</title>
<script type="text/javascript">
window.addEventListener("load", function() {
    var room = {{.Room}};
    var user = new URLSearchParams(location.search).get("user_id") || "anon";
    var log = document.getElementById("log");
    var msg = document.getElementById("msg");
    var conn;

    function appendLog(text) {
        var doScroll = log.scrollTop == log.scrollHeight - log.clientHeight;
        var d = document.createElement("div");
        d.textContent = text;
        log.appendChild(d);
        if (doScroll) {
            log.scrollTop = log.scrollHeight - log.clientHeight;
        }
    }

    if (!window["WebSocket"]) {
        appendLog("Your browser does not support WebSockets.");
        return;
    }

    var scheme = location.protocol == "https:" ? "wss://" : "ws://";
    conn = new WebSocket(scheme + location.host + "/socket-msg?user_id=" + encodeURIComponent(user));
    conn.onopen = function() {
        conn.send(JSON.stringify({Subscribe: {key: {room_id: room}}}));
    };
    conn.onclose = function() {
        appendLog("Connection closed.");
    };
    conn.onmessage = function(evt) {
        var frame = JSON.parse(evt.data);
        if (frame.Msg && frame.Msg.key.room_id == room) {
            appendLog(frame.Msg.msg.author + ": " + frame.Msg.msg.text);
        }
    };

    document.getElementById("form").addEventListener("submit", function(e) {
        e.preventDefault();
        if (!conn || !msg.value) {
            return;
        }
        conn.send(JSON.stringify({Msg: {key: {room_id: room}, msg: {author: user, text: msg.value}}}));
        msg.value = "";
    });
    msg.focus();
});
</script>
<style type="text/css">
html {
    overflow: hidden;
}

body {
    overflow: hidden;
    padding: 0.5em;
    margin: 0;
    width: 100%;
    height: 100%;
    background: gray;
}

#log {
    background: white;
    margin: 0;
    padding: 0.5em 0.5em 0.5em 0.5em;
    position: absolute;
    top: 2.0em;
    left: 0.5em;
    right: 0.5em;
    bottom: 3em;
    overflow: auto;
}

#form {
    padding: 0 0.5em 0 0.5em;
    margin: 0;
    position: absolute;
    bottom: 0.5em;
    left: 0px;
    width: 100%;
    overflow: hidden;
}
</style>
</head>
<body>
<h3>Room {{.Room}}</h3>
<div id="log"></div>
<form id="form">
    <input type="submit" value="Send" />
    <input type="text" id="msg" size="64"/>
</form>
</body>
</html>
`))
