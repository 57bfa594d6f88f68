package cli

import (
	"bufio"
	"fmt"
	"strings"

	"loopd/internal/secrets"
)

// SecretSetCmd stores a value under a keyring reference so the config can
// say e.g. token: "keyring:loopd/telegram".
type SecretSetCmd struct {
	Ref   string `arg:"" help:"Reference, e.g. keyring:loopd/telegram."`
	Value string `help:"Secret value. Read from stdin when omitted."`
}

func (c *SecretSetCmd) Run(ctx *Context) error {
	v := c.Value
	if v == "" {
		sc := bufio.NewScanner(ctx.In)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return fmt.Errorf("read secret: %w", err)
			}
			return fmt.Errorf("no secret on stdin")
		}
		v = strings.TrimSpace(sc.Text())
	}
	if err := secrets.Set(c.Ref, v); err != nil {
		return err
	}
	ctx.printf("Stored %s\n", c.Ref)
	return nil
}

type SecretDeleteCmd struct {
	Ref string `arg:"" help:"Reference, e.g. keyring:loopd/telegram."`
}

func (c *SecretDeleteCmd) Run(ctx *Context) error {
	if err := secrets.Delete(c.Ref); err != nil {
		return err
	}
	ctx.printf("Deleted %s\n", c.Ref)
	return nil
}
