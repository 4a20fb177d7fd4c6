package server

import (
	"html/template"
	"net/http"
	"strconv"
	"strings"
)

func botID(token string) int64 {
	prefix, _, _ := strings.Cut(token, ":")
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Server) render(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.log.Error("Template rendering failed", "template", tmpl.Name(), "error", err)
	}
}

const pageHead = `<!DOCTYPE html>
<html>
<head>
    <title>telegpt</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
            margin: 20px;
            color: #212529;
        }
        h1 { margin-bottom: 0.5rem; }
        p { margin-top: 0; margin-bottom: 1rem; }
        .ok { color: green; }
        .err { color: red; }
        .role { font-size: 16px; color: #999; margin-bottom: 5px; }
        .content { font-size: 13px; color: #333; white-space: pre-wrap; }
    </style>
</head>
<body>`

const pageFoot = `</body>
</html>`

var indexTmpl = template.Must(template.New("index").Parse(pageHead + `
<h1>telegpt</h1>
<p>Deployed successfully. Visit <a href="/init">/init</a> to bind webhooks and commands.</p>
<p>Supported commands:</p>
{{range .Commands}}<p><strong>{{.Name}}</strong> - {{.Help}}</p>
{{end}}
<p><strong>/telegram/:token/bot</strong> - bot information</p>
` + pageFoot))

var initTmpl = template.Must(template.New("init").Parse(pageHead + `
<h1>telegpt</h1>
{{range .Results}}
<h4>Bot ID: {{.BotID}}</h4>
<p class="{{if eq .Webhook "ok"}}ok{{else}}err{{end}}">Webhook: {{.Webhook}}</p>
<p class="{{if eq .Command "ok"}}ok{{else}}err{{end}}">Commands: {{.Command}}</p>
{{end}}
` + pageFoot))

var historyTmpl = template.Must(template.New("history").Parse(pageHead + `
<div style="width: 100%; height: 100%; overflow: auto; padding: 10px;">
{{range .Entries}}
    <div style="margin-bottom: 10px;">
        <p class="role">{{.Role}}:</p>
        <p class="content">{{.Content}}</p>
    </div>
{{end}}
</div>
` + pageFoot))

var botInfoTmpl = template.Must(template.New("botinfo").Parse(pageHead + `
<h1>telegpt</h1>
<h4>Bot ID: {{.BotID}}</h4>
<p><strong>Group chat enabled:</strong> {{.GroupFlag}}</p>
<p><strong>Group share mode:</strong> {{.ShareMode}}</p>
<p><strong>Configured bot names:</strong> {{.Configured}}</p>
{{if .Error}}
<p class="err">{{.Error}}</p>
{{else}}
<p class="ok">@{{.Me.Username}} ({{.Me.FirstName}})</p>
<p>can_join_groups: {{.Me.CanJoinGroups}}</p>
<p>can_read_all_group_messages: {{.Me.CanReadAllGroupMessages}}</p>
{{end}}
` + pageFoot))
