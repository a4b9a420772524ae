package upnp

import (
	"context"
	"strconv"
)

func master() map[string]string {
	return map[string]string{"InstanceID": "0", "Channel": "Master"}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (c *Client) GetVolume(ctx context.Context) (int, error) {
	resp, err := c.soapCall(ctx, RenderingControl, "GetVolume", master())
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(resp["CurrentVolume"])
	if err != nil {
		return 0, &ActionError{Service: RenderingControl, Action: "GetVolume", Err: err}
	}
	return clampVolume(n), nil
}

func (c *Client) SetVolume(ctx context.Context, volume int) error {
	args := master()
	args["DesiredVolume"] = strconv.Itoa(clampVolume(volume))
	_, err := c.soapCall(ctx, RenderingControl, "SetVolume", args)
	return err
}

func (c *Client) GetMute(ctx context.Context) (bool, error) {
	resp, err := c.soapCall(ctx, RenderingControl, "GetMute", master())
	if err != nil {
		return false, err
	}
	return resp["CurrentMute"] == "1" || resp["CurrentMute"] == "true", nil
}

func (c *Client) SetMute(ctx context.Context, mute bool) error {
	args := master()
	args["DesiredMute"] = "0"
	if mute {
		args["DesiredMute"] = "1"
	}
	_, err := c.soapCall(ctx, RenderingControl, "SetMute", args)
	return err
}
