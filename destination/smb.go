package destination

import "context"

// SMB targets an SMB/CIFS share. No SMB client library is available
// anywhere in this engine's retrieved dependency pack (and go-smb2
// style libraries weren't grounded in any example repo either), so this
// variant operates on a share the operator has already mounted at
// MountPoint — the same approach the destination contract needs for any
// transport the OS itself can present as a filesystem. Kind is reported
// as "smb" even though the implementation reuses Local under the hood.
type SMB struct {
	*Local
	Server string
	Share  string
}

// NewSMB wraps a pre-mounted SMB share at mountPoint. Server/share are
// stored on the value as given; no SMB method reads them.
func NewSMB(mountPoint, server, share string) *SMB {
	return &SMB{Local: NewLocal(mountPoint), Server: server, Share: share}
}

func (s *SMB) Kind() string { return string(KindSMB) }

func (s *SMB) Connect(ctx context.Context) error {
	return s.Local.Connect(ctx)
}
