package server

import (
	"context"

	"github.com/tyronecai/ins/internal/binlog"
	"github.com/tyronecai/ins/internal/user"
)

// Login implements spec.md §4.3's Login: validates the username exists
// before proposing, since an unknown user never even gets a uuid
// assigned (kUnknownUser, not kError).
func (s *Server) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		return LoginResponse{Status: StatusError, LeaderID: leaderID}, nil
	}
	if !s.users.IsValidUser(req.Username) {
		return LoginResponse{Status: StatusUnknownUser}, nil
	}

	uuid := user.CalcUUID(req.Username)
	entry := binlog.Entry{Op: binlog.OpLogin, User: uuid, Key: req.Username, Value: []byte(req.Passwd)}
	res, stillLeader, err := s.proposeAndAwait(ctx, entry)
	if err != nil {
		return LoginResponse{Status: StatusError}, err
	}
	if !stillLeader {
		leaderID, _ := s.leaderGuard()
		return LoginResponse{Status: StatusError, LeaderID: leaderID}, nil
	}
	if !res.LoginOK {
		return LoginResponse{Status: StatusError}, nil
	}
	return LoginResponse{Status: StatusOK, UUID: res.LoginUUID}, nil
}

// Logout implements spec.md §4.3's Logout.
func (s *Server) Logout(ctx context.Context, req LogoutRequest) (LogoutResponse, error) {
	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		return LogoutResponse{Status: StatusError, LeaderID: leaderID}, nil
	}
	if req.UUID != "" && !s.users.IsLoggedIn(req.UUID) {
		return LogoutResponse{Status: StatusUnknownUser}, nil
	}

	entry := binlog.Entry{Op: binlog.OpLogout, User: req.UUID}
	res, stillLeader, err := s.proposeAndAwait(ctx, entry)
	if err != nil {
		return LogoutResponse{Status: StatusError}, err
	}
	if !stillLeader {
		leaderID, _ := s.leaderGuard()
		return LogoutResponse{Status: StatusError, LeaderID: leaderID}, nil
	}
	if !res.LoginOK {
		return LogoutResponse{Status: StatusError}, nil
	}
	return LogoutResponse{Status: StatusOK}, nil
}

// Register implements spec.md §4.3's Register: anyone may register a
// new username (no authentication precedes it, matching the original).
func (s *Server) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	leaderID, isLeader := s.leaderGuard()
	if !isLeader {
		return RegisterResponse{Status: StatusError, LeaderID: leaderID}, nil
	}

	entry := binlog.Entry{Op: binlog.OpRegister, Key: req.Username, Value: []byte(req.Passwd)}
	res, stillLeader, err := s.proposeAndAwait(ctx, entry)
	if err != nil {
		return RegisterResponse{Status: StatusError}, err
	}
	if !stillLeader {
		leaderID, _ := s.leaderGuard()
		return RegisterResponse{Status: StatusError, LeaderID: leaderID}, nil
	}
	if !res.LoginOK {
		return RegisterResponse{Status: StatusError}, nil
	}
	return RegisterResponse{Status: StatusOK}, nil
}
