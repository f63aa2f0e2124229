package onvif

import (
	"context"
	"strings"

	"github.com/juju/errors"
)

// GetUsers retrieves all user accounts from the device
func (d *Device) GetUsers(ctx context.Context) ([]User, error) {
	resp, err := d.call(ctx, d.xaddr, deviceNS+"GetUsers", `<tds:GetUsers/>`)
	if err != nil {
		return nil, err
	}

	var users []User
	for _, u := range resp.SelectElements("User") {
		user := User{
			Username:  childText(u, "Username"),
			UserLevel: UserLevel(childText(u, "UserLevel")),
		}
		if user.Username != "" {
			users = append(users, user)
		}
	}
	return users, nil
}

// CreateUsers creates multiple users on the device
func (d *Device) CreateUsers(ctx context.Context, users []User) error {
	var b strings.Builder
	b.WriteString("<tds:CreateUsers>")
	for _, user := range users {
		writeUser(&b, user)
	}
	b.WriteString("</tds:CreateUsers>")

	_, err := d.call(ctx, d.xaddr, deviceNS+"CreateUsers", b.String())
	return err
}

// SetUser modifies an existing user's password and level
func (d *Device) SetUser(ctx context.Context, user User) error {
	var b strings.Builder
	b.WriteString("<tds:SetUser>")
	writeUser(&b, user)
	b.WriteString("</tds:SetUser>")

	_, err := d.call(ctx, d.xaddr, deviceNS+"SetUser", b.String())
	return err
}

// SetUserPassword changes a user's password, keeping its current level
func (d *Device) SetUserPassword(ctx context.Context, username, newPassword string) error {
	users, err := d.GetUsers(ctx)
	if err != nil {
		return errors.Annotate(err, "get current user info")
	}

	for _, u := range users {
		if u.Username == username {
			return d.SetUser(ctx, User{
				Username:  username,
				Password:  newPassword,
				UserLevel: u.UserLevel,
			})
		}
	}
	return errors.NotFoundf("user %q", username)
}

// DeleteUsers deletes multiple users from the device
func (d *Device) DeleteUsers(ctx context.Context, usernames []string) error {
	var b strings.Builder
	b.WriteString("<tds:DeleteUsers>")
	for _, username := range usernames {
		b.WriteString("<tds:Username>")
		b.WriteString(escapeXML(username))
		b.WriteString("</tds:Username>")
	}
	b.WriteString("</tds:DeleteUsers>")

	_, err := d.call(ctx, d.xaddr, deviceNS+"DeleteUsers", b.String())
	return err
}

func writeUser(b *strings.Builder, user User) {
	b.WriteString("<tds:User>")
	b.WriteString("<tt:Username>")
	b.WriteString(escapeXML(user.Username))
	b.WriteString("</tt:Username>")
	if user.Password != "" {
		b.WriteString("<tt:Password>")
		b.WriteString(escapeXML(user.Password))
		b.WriteString("</tt:Password>")
	}
	b.WriteString("<tt:UserLevel>")
	b.WriteString(string(user.UserLevel))
	b.WriteString("</tt:UserLevel>")
	b.WriteString("</tds:User>")
}
