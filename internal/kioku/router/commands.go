package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/chat"
	"github.com/bdobrica/Kioku/internal/kioku/settings"
)

const setupPrompt = "👋 No knowledge base is set up yet.\n" +
	"Create a local one with `/kb <name>` or connect a GitHub repository " +
	"with `/kb <name> <https-url>`. See `/help` for everything else."

const helpText = `Kioku commands:
/kb <name> — create a local knowledge base
/kb <name> <url> — clone a GitHub repository as your knowledge base
/mode <note|ask|agent> — how grouped messages are processed
/settings — show your current settings
/set <name> <value> — change a setting
/unset <name> — reset a setting to its default
/token <platform> <token> [username] — store a git access token
/token remove <platform> — delete a stored token
/help — this message

Anything that is not a command is collected for a short while and then
processed according to your mode.`

// handleCommand parses and executes one slash command. Every branch replies;
// a command never falls through to the aggregator.
func (r *Router) handleCommand(ctx context.Context, msg chat.Message) {
	fields := strings.Fields(strings.TrimSpace(msg.Content()))
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/start", "/help":
		r.reply(ctx, msg, helpText)
	case "/kb":
		r.cmdKB(ctx, msg, args)
	case "/mode":
		r.cmdMode(ctx, msg, args)
	case "/settings":
		r.cmdSettings(ctx, msg)
	case "/set":
		r.cmdSet(ctx, msg, args)
	case "/unset":
		r.cmdUnset(ctx, msg, args)
	case "/token":
		r.cmdToken(ctx, msg, args)
	default:
		r.reply(ctx, msg, fmt.Sprintf("Unknown command %s. Try /help.", cmd))
	}
}

func (r *Router) cmdKB(ctx context.Context, msg chat.Message, args []string) {
	switch len(args) {
	case 1:
		path, err := r.cfg.KB.InitLocal(msg.UserID, args[0])
		if err != nil {
			r.reply(ctx, msg, "❌ Could not create the knowledge base: "+err.Error())
			return
		}
		r.reply(ctx, msg, fmt.Sprintf("✅ Knowledge base %q is ready at %s.", args[0], path))
	case 2:
		cred, _ := r.cfg.Creds.GetToken(msg.UserID, "github")
		_, err := r.cfg.KB.CloneGithub(ctx, msg.UserID, args[0], args[1], cred)
		if err != nil {
			r.reply(ctx, msg, "❌ Could not clone the repository: "+err.Error())
			return
		}
		r.reply(ctx, msg, fmt.Sprintf("✅ Knowledge base %q cloned from %s.", args[0], args[1]))
	default:
		r.reply(ctx, msg, "Usage: /kb <name> or /kb <name> <https-url>")
	}
}

func (r *Router) cmdMode(ctx context.Context, msg chat.Message, args []string) {
	if len(args) != 1 {
		r.reply(ctx, msg, fmt.Sprintf("Current mode: %s. Usage: /mode <note|ask|agent>",
			r.cfg.Settings.Mode(msg.UserID)))
		return
	}
	if err := r.cfg.Settings.Set(msg.UserID, settings.NameMode, args[0]); err != nil {
		r.reply(ctx, msg, "❌ "+err.Error())
		return
	}
	r.reply(ctx, msg, "✅ Mode set to "+args[0]+".")
}

func (r *Router) cmdSettings(ctx context.Context, msg chat.Message) {
	var sb strings.Builder
	sb.WriteString("Your settings:\n")
	for _, def := range settings.Known {
		if def.Secret {
			continue
		}
		value := r.cfg.Settings.Get(msg.UserID, def.Name)
		if value == "" {
			value = "(default)"
		}
		fmt.Fprintf(&sb, "• %s = %s — %s\n", def.Name, value, def.Description)
	}

	if cfg, ok := r.cfg.KB.Config(msg.UserID); ok {
		fmt.Fprintf(&sb, "\nKnowledge base: %s (%s)", cfg.KBName, cfg.KBType)
		if cfg.GithubURL != "" {
			fmt.Fprintf(&sb, " ← %s", cfg.GithubURL)
		}
	} else {
		sb.WriteString("\nKnowledge base: not configured")
	}

	if platforms := r.cfg.Creds.ListPlatforms(msg.UserID); len(platforms) > 0 {
		sort.Strings(platforms)
		fmt.Fprintf(&sb, "\nStored tokens: %s", strings.Join(platforms, ", "))
	}
	r.reply(ctx, msg, sb.String())
}

func (r *Router) cmdSet(ctx context.Context, msg chat.Message, args []string) {
	if len(args) < 2 {
		r.reply(ctx, msg, "Usage: /set <name> <value>")
		return
	}
	name, value := args[0], strings.Join(args[1:], " ")
	err := r.cfg.Settings.Set(msg.UserID, name, value)
	switch {
	case errors.Is(err, settings.ErrSecretSetting):
		r.reply(ctx, msg, "🔒 Tokens are stored encrypted. Use /token <platform> <token> instead.")
	case err != nil:
		r.reply(ctx, msg, "❌ "+err.Error())
	default:
		r.reply(ctx, msg, fmt.Sprintf("✅ %s = %s", name, value))
	}
}

func (r *Router) cmdUnset(ctx context.Context, msg chat.Message, args []string) {
	if len(args) != 1 {
		r.reply(ctx, msg, "Usage: /unset <name>")
		return
	}
	if err := r.cfg.Settings.Unset(msg.UserID, args[0]); err != nil {
		r.reply(ctx, msg, "❌ "+err.Error())
		return
	}
	r.reply(ctx, msg, "✅ "+args[0]+" reset to its default.")
}

// cmdToken stores or removes git credentials. The token value is never
// echoed back.
func (r *Router) cmdToken(ctx context.Context, msg chat.Message, args []string) {
	if len(args) == 2 && args[0] == "remove" {
		if err := r.cfg.Creds.RemoveToken(msg.UserID, args[1]); err != nil {
			r.reply(ctx, msg, "❌ "+err.Error())
			return
		}
		r.reply(ctx, msg, "✅ Token for "+args[1]+" removed.")
		return
	}
	if len(args) < 2 || len(args) > 3 {
		r.reply(ctx, msg, "Usage: /token <platform> <token> [username] or /token remove <platform>")
		return
	}

	platform, token := args[0], args[1]
	username := ""
	if len(args) == 3 {
		username = args[2]
	}
	if err := r.cfg.Creds.AddToken(msg.UserID, platform, username, token); err != nil {
		r.reply(ctx, msg, "❌ Could not store the token: "+err.Error())
		return
	}
	r.reply(ctx, msg, "🔒 Token for "+platform+" stored. Consider deleting your message.")
}
