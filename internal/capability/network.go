package capability

// NetworkCapability authorizes outbound connect and/or inbound listen on
// a host, optionally restricted to one port (Port == 0 means any port).
type NetworkCapability struct {
	Host    string
	Port    int // 0 means unrestricted
	Connect bool
	Listen  bool
}

func (c NetworkCapability) Kind() Kind { return KindNetwork }

func (c NetworkCapability) Permits(req Request) Decision {
	if req.Kind != KindNetwork {
		return Deny("capability kind mismatch")
	}
	if c.Host != "" && req.NetworkHost != c.Host {
		return Deny("host not granted")
	}
	if c.Port != 0 && req.NetworkPort != c.Port {
		return Deny("port not granted")
	}
	if req.NetworkConnect && !c.Connect {
		return Deny("connect not granted")
	}
	if req.NetworkListen && !c.Listen {
		return Deny("listen not granted")
	}
	return Allow()
}

func (c NetworkCapability) Constrain(con Constraint) (Capability, error) {
	next := c
	narrowed := false
	if con.NetworkHost != "" {
		if c.Host != "" && con.NetworkHost != c.Host {
			return nil, constraintErr(KindNetwork, "NetworkCapability.Constrain")
		}
		next.Host = con.NetworkHost
		narrowed = true
	}
	if con.HasNetworkPort {
		if c.Port != 0 && con.NetworkPort != c.Port {
			return nil, constraintErr(KindNetwork, "NetworkCapability.Constrain")
		}
		next.Port = con.NetworkPort
		narrowed = true
	}
	if con.DropConnect && c.Connect {
		next.Connect = false
		narrowed = true
	}
	if con.DropListen && c.Listen {
		next.Listen = false
		narrowed = true
	}
	if !narrowed {
		return nil, constraintErr(KindNetwork, "NetworkCapability.Constrain")
	}
	return next, nil
}

// Split divides a connect+listen grant into its two directional halves.
func (c NetworkCapability) Split() []Capability {
	if c.Connect && c.Listen {
		return []Capability{
			NetworkCapability{Host: c.Host, Port: c.Port, Connect: true},
			NetworkCapability{Host: c.Host, Port: c.Port, Listen: true},
		}
	}
	return []Capability{c}
}

func (c NetworkCapability) CanJoinWith(other Capability) bool {
	o, ok := other.(NetworkCapability)
	return ok && o.Host == c.Host && o.Port == c.Port
}

func (c NetworkCapability) Join(other Capability) (Capability, error) {
	if !c.CanJoinWith(other) {
		return nil, compositionErr("NetworkCapability.Join", "mismatched host/port")
	}
	o := other.(NetworkCapability)
	return NetworkCapability{
		Host:    c.Host,
		Port:    c.Port,
		Connect: c.Connect || o.Connect,
		Listen:  c.Listen || o.Listen,
	}, nil
}
