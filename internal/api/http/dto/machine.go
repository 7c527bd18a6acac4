package dto

type RegisterMachineResponse struct {
	MachineID   string `json:"machineId"`
	SSHHost     string `json:"sshHost"`
	SSHPort     int    `json:"sshPort"`
	SSHUsername string `json:"sshUsername"`
	SSHPassword string `json:"sshPassword"`
	TunnelPort  int    `json:"tunnelPort"`
	TotpURL     string `json:"totpUrl,omitempty"`
	Token       string `json:"token"`
}

type MachineResponse struct {
	MachineID  string `json:"machineId"`
	AccountID  string `json:"accountId"`
	SSHHost    string `json:"sshHost"`
	SSHPort    int    `json:"sshPort"`
	TunnelPort int    `json:"tunnelPort"`
	CreatedAt  string `json:"createdAt"`
}

type ResolveMachineResponse struct {
	MachineID    string `json:"machineId"`
	SSHHost      string `json:"sshHost"`
	SSHPort      int    `json:"sshPort"`
	SSHUsername  string `json:"sshUsername"`
	SSHPassword  string `json:"sshPassword"`
	TunnelPort   int    `json:"tunnelPort"`
	TotpRequired bool   `json:"totpRequired"`
	Token        string `json:"token,omitempty"`
}

type ExchangeTokenRequest struct {
	Code string `json:"code" binding:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}
